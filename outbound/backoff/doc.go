// Package backoff provides exponential retry delay helpers with jitter,
// used to schedule outbox redelivery attempts.
package backoff
