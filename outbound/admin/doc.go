// Package admin exposes an operational HTTP API over the outbox: event
// inspection, dead-letter replay, per-tenant counts, and circuit breaker
// state. It is meant for internal dashboards and runbooks, not for
// tenant-facing traffic.
package admin
