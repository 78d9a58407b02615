// Package circuitbreaker provides per-dependency failure-aware gates around
// outbound calls.
//
// A Breaker tracks recent failures in a sliding window and fast-fails callers
// while the protected dependency is considered unhealthy, admitting a bounded
// number of half-open trial calls once the recovery time elapses. Breakers are
// process-local and grouped in a Registry keyed by dependency name.
package circuitbreaker
