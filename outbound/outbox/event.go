package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes is the largest payload accepted at enqueue time.
const MaxPayloadBytes = 1 << 20

// Event is a single outbound delivery recorded in the same database as the
// business change that produced it. Events are delivered at least once;
// deliverers must tolerate duplicates.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      string          `json:"tenantId"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupeKey"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewEvent builds a pending event ready to be persisted. The event becomes
// due immediately; the processor picks it up on its next cycle.
func NewEvent(tenantID string, kind Kind, payload []byte, dedupeKey string) (*Event, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}

	if dedupeKey == "" {
		return nil, ErrDedupeKeyRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Kind:          kind,
		Payload:       json.RawMessage(payload),
		DedupeKey:     dedupeKey,
		Status:        StatusPending,
		Attempts:      0,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
