// Package outbox implements the durable at-least-once delivery core: an
// event model with idempotent enqueue, a claim-based processor with retry
// backoff and dead-lettering, and operator replay of dead events.
package outbox
