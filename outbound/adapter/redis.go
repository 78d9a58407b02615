package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

// ErrRedisClientRequired indicates an export deliverer built without a
// client.
var ErrRedisClientRequired = errors.New("redis client is required")

// ExportDeliverer appends event payloads to a Redis stream that downstream
// export consumers read with consumer groups. Stream entries carry the
// dedupe key so consumers stay idempotent across redeliveries.
type ExportDeliverer struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ outbox.Deliverer = (*ExportDeliverer)(nil)

// ExportOption mutates export deliverer configuration.
type ExportOption func(*ExportDeliverer)

// WithStreamMaxLen caps the stream length with approximate trimming.
func WithStreamMaxLen(maxLen int64) ExportOption {
	return func(deliverer *ExportDeliverer) {
		if maxLen > 0 {
			deliverer.maxLen = maxLen
		}
	}
}

// NewExportDeliverer creates a deliverer appending to stream.
func NewExportDeliverer(client redis.UniversalClient, stream string, opts ...ExportOption) (*ExportDeliverer, error) {
	if client == nil {
		return nil, ErrRedisClientRequired
	}

	if stream == "" {
		stream = "outbound:exports"
	}

	deliverer := &ExportDeliverer{
		client: client,
		stream: stream,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(deliverer)
		}
	}

	return deliverer, nil
}

// Deliver appends the event to the stream. Redis failures are transient.
func (deliverer *ExportDeliverer) Deliver(ctx context.Context, event *outbox.Event) error {
	args := &redis.XAddArgs{
		Stream: deliverer.stream,
		Values: map[string]any{
			"event_id":   event.ID.String(),
			"tenant_id":  event.TenantID,
			"kind":       event.Kind.String(),
			"dedupe_key": event.DedupeKey,
			"payload":    string(event.Payload),
		},
	}

	if deliverer.maxLen > 0 {
		args.MaxLen = deliverer.maxLen
		args.Approx = true
	}

	if err := deliverer.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append to stream %s: %w", deliverer.stream, err)
	}

	return nil
}
