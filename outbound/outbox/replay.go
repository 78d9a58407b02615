package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Replayer gives operators controlled access to the dead letter queue:
// inspect dead events, count the backlog, and put individual events back
// into rotation.
type Replayer struct {
	store  Store
	logger *zap.Logger
}

// NewReplayer creates a replayer over a store.
func NewReplayer(store Store, logger *zap.Logger) (*Replayer, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Replayer{store: store, logger: logger}, nil
}

// Replay returns a dead event to pending with attempts reset to zero and
// last_error cleared. The event becomes due immediately. Only dead events
// can be replayed: ErrNotDead for live events, ErrEventNotFound for unknown
// ids.
func (replayer *Replayer) Replay(ctx context.Context, id uuid.UUID) (*Event, error) {
	event, err := replayer.store.ResetForReplay(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("replay event %s: %w", id, err)
	}

	replayer.logger.Info("dead event replayed",
		zap.String("event_id", id.String()),
		zap.String("tenant_id", event.TenantID),
		zap.String("kind", event.Kind.String()),
	)

	return event, nil
}

// ListDead lists dead events, newest first. tenantID narrows the listing
// when non-empty.
func (replayer *Replayer) ListDead(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	return replayer.store.ListByStatus(ctx, tenantID, StatusDead, limit)
}

// Counts returns event counts per status. tenantID narrows the counts when
// non-empty.
func (replayer *Replayer) Counts(ctx context.Context, tenantID string) (map[Status]int64, error) {
	return replayer.store.CountByStatus(ctx, tenantID)
}
