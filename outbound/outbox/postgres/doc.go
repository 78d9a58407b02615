// Package postgres persists outbox events in PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so multiple processor instances can share one
// table without handing the same event to two workers.
package postgres
