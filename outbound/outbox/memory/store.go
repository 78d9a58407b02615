// Package memory provides an in-memory outbox store for tests and local
// development. It mirrors the postgres store's claim and transition
// semantics under a single mutex.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

// Store keeps events in a map guarded by a mutex. Events are copied on the
// way in and out so callers cannot mutate stored state.
type Store struct {
	mu     sync.Mutex
	events map[uuid.UUID]*outbox.Event
	dedupe map[dedupeKey]uuid.UUID
}

type dedupeKey struct {
	tenantID  string
	dedupeKey string
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		events: make(map[uuid.UUID]*outbox.Event),
		dedupe: make(map[dedupeKey]uuid.UUID),
	}
}

func (store *Store) Create(_ context.Context, event *outbox.Event) (*outbox.Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	key := dedupeKey{tenantID: event.TenantID, dedupeKey: event.DedupeKey}
	if existingID, ok := store.dedupe[key]; ok {
		return cloneEvent(store.events[existingID]), nil
	}

	stored := cloneEvent(event)
	store.events[stored.ID] = stored
	store.dedupe[key] = stored.ID

	return cloneEvent(stored), nil
}

// CreateWithTx ignores the transaction; the in-memory store has no
// transactional coupling to a business database.
func (store *Store) CreateWithTx(ctx context.Context, _ *sql.Tx, event *outbox.Event) (*outbox.Event, error) {
	return store.Create(ctx, event)
}

func (store *Store) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*outbox.Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var due []*outbox.Event

	for _, event := range store.events {
		if event.Status == outbox.StatusPending && !event.NextAttemptAt.After(now) {
			due = append(due, event)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID.String() < due[j].ID.String()
		}

		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*outbox.Event, 0, len(due))

	for _, event := range due {
		event.NextAttemptAt = now.Add(lease)
		event.UpdatedAt = now
		claimed = append(claimed, cloneEvent(event))
	}

	return claimed, nil
}

func (store *Store) MarkSent(_ context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	event.Status = outbox.StatusSent
	event.LastError = nil
	event.UpdatedAt = time.Now().UTC()

	return nil
}

func (store *Store) MarkRetry(_ context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	event.Status = outbox.StatusPending
	event.Attempts = attempts
	event.NextAttemptAt = nextAttemptAt
	event.LastError = stringPtr(lastError)
	event.UpdatedAt = time.Now().UTC()

	return nil
}

func (store *Store) MarkDead(_ context.Context, id uuid.UUID, attempts int, lastError string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return outbox.ErrEventNotFound
	}

	event.Status = outbox.StatusDead
	event.Attempts = attempts
	event.LastError = stringPtr(lastError)
	event.UpdatedAt = time.Now().UTC()

	return nil
}

func (store *Store) ResetForReplay(_ context.Context, id uuid.UUID) (*outbox.Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return nil, outbox.ErrEventNotFound
	}

	if event.Status != outbox.StatusDead {
		return nil, outbox.ErrNotDead
	}

	now := time.Now().UTC()
	event.Status = outbox.StatusPending
	event.Attempts = 0
	event.NextAttemptAt = now
	event.LastError = nil
	event.UpdatedAt = now

	return cloneEvent(event), nil
}

func (store *Store) GetByID(_ context.Context, id uuid.UUID) (*outbox.Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return nil, outbox.ErrEventNotFound
	}

	return cloneEvent(event), nil
}

func (store *Store) ListByStatus(_ context.Context, tenantID string, status outbox.Status, limit int) ([]*outbox.Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var matched []*outbox.Event

	for _, event := range store.events {
		if event.Status != status {
			continue
		}

		if tenantID != "" && event.TenantID != tenantID {
			continue
		}

		matched = append(matched, cloneEvent(event))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (store *Store) CountByStatus(_ context.Context, tenantID string) (map[outbox.Status]int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	counts := make(map[outbox.Status]int64)

	for _, event := range store.events {
		if tenantID != "" && event.TenantID != tenantID {
			continue
		}

		counts[event.Status]++
	}

	return counts, nil
}

func cloneEvent(event *outbox.Event) *outbox.Event {
	clone := *event

	if event.Payload != nil {
		clone.Payload = append([]byte(nil), event.Payload...)
	}

	if event.LastError != nil {
		lastError := *event.LastError
		clone.LastError = &lastError
	}

	return &clone
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}

	return &value
}
