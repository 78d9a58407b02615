package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Enqueuer records outbound events. It never performs network I/O; delivery
// is the processor's job.
type Enqueuer struct {
	store  Store
	logger *zap.Logger
}

// NewEnqueuer creates an enqueuer over a store.
func NewEnqueuer(store Store, logger *zap.Logger) (*Enqueuer, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Enqueuer{store: store, logger: logger}, nil
}

// Enqueue records an event for delivery. Enqueueing the same (tenant, dedupe
// key) twice returns the already-stored event without error, so callers can
// retry request handlers safely.
func (enqueuer *Enqueuer) Enqueue(ctx context.Context, tenantID string, kind Kind, payload []byte, dedupeKey string) (*Event, error) {
	event, err := NewEvent(tenantID, kind, payload, dedupeKey)
	if err != nil {
		return nil, err
	}

	stored, err := enqueuer.store.Create(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox event: %w", err)
	}

	if stored.ID != event.ID {
		enqueuer.logger.Debug("outbox enqueue deduplicated",
			zap.String("tenant_id", tenantID),
			zap.String("dedupe_key", dedupeKey),
			zap.String("event_id", stored.ID.String()),
		)
	}

	return stored, nil
}

// EnqueueTx records an event inside the caller's transaction, so the event
// commits atomically with the business change that produced it.
func (enqueuer *Enqueuer) EnqueueTx(ctx context.Context, tx *sql.Tx, tenantID string, kind Kind, payload []byte, dedupeKey string) (*Event, error) {
	if tx == nil {
		return nil, fmt.Errorf("enqueue outbox event: transaction is required")
	}

	event, err := NewEvent(tenantID, kind, payload, dedupeKey)
	if err != nil {
		return nil, err
	}

	stored, err := enqueuer.store.CreateWithTx(ctx, tx, event)
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox event: %w", err)
	}

	return stored, nil
}
