package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox events. Implementations must keep Create idempotent
// on (tenant_id, dedupe_key) and must hand each claimed event to exactly one
// processor per claim window.
type Store interface {
	// Create inserts the event, or returns the already-stored event when the
	// (tenant, dedupe key) pair exists. The returned event is the persisted
	// row either way.
	Create(ctx context.Context, event *Event) (*Event, error)

	// CreateWithTx behaves like Create inside the caller's transaction, so
	// the event commits or rolls back with the business change.
	CreateWithTx(ctx context.Context, tx *sql.Tx, event *Event) (*Event, error)

	// ClaimDue returns up to limit pending events whose next_attempt_at is at
	// or before now, ordered oldest first. Claimed events are leased: their
	// next_attempt_at is pushed forward by lease so a crashed processor
	// releases them implicitly.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error)

	// MarkSent finalizes a delivered event.
	MarkSent(ctx context.Context, id uuid.UUID) error

	// MarkRetry records a failed attempt and schedules the next one.
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkDead moves an event out of rotation, keeping it visible for replay.
	MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastError string) error

	// ResetForReplay returns a dead event to pending with a fresh attempt
	// budget. It returns ErrNotDead when the event exists but is not dead,
	// and ErrEventNotFound when it does not exist.
	ResetForReplay(ctx context.Context, id uuid.UUID) (*Event, error)

	// GetByID fetches one event or ErrEventNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// ListByStatus lists events in a status, newest first. tenantID narrows
	// the listing when non-empty.
	ListByStatus(ctx context.Context, tenantID string, status Status, limit int) ([]*Event, error)

	// CountByStatus returns event counts keyed by status. tenantID narrows
	// the counts when non-empty.
	CountByStatus(ctx context.Context, tenantID string) (map[Status]int64, error)
}
