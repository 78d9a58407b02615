package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	maxWebhookResponseBody = 4 << 10
)

// ErrEndpointRequired indicates a webhook deliverer built without a URL.
var ErrEndpointRequired = errors.New("webhook endpoint is required")

// WebhookDeliverer posts event payloads to an HTTP endpoint. Receivers
// deduplicate on the Idempotency-Key header, which carries the event's
// dedupe key.
type WebhookDeliverer struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	headers  map[string]string
}

var _ outbox.Deliverer = (*WebhookDeliverer)(nil)

// WebhookOption mutates webhook deliverer configuration.
type WebhookOption func(*WebhookDeliverer)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(deliverer *WebhookDeliverer) {
		if client != nil {
			deliverer.client = client
		}
	}
}

// WithWebhookHeader adds a static header to every delivery, typically a
// shared-secret signature header.
func WithWebhookHeader(name, value string) WebhookOption {
	return func(deliverer *WebhookDeliverer) {
		deliverer.headers[name] = value
	}
}

// WithWebhookLogger sets the deliverer logger.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(deliverer *WebhookDeliverer) {
		if logger != nil {
			deliverer.logger = logger
		}
	}
}

// NewWebhookDeliverer creates a deliverer posting to endpoint.
func NewWebhookDeliverer(endpoint string, opts ...WebhookOption) (*WebhookDeliverer, error) {
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}

	deliverer := &WebhookDeliverer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   zap.NewNop(),
		headers:  make(map[string]string),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(deliverer)
		}
	}

	return deliverer, nil
}

// Deliver posts the event payload. Responses classify as: 2xx delivered,
// 408/429/5xx transient, any other 4xx permanent.
func (deliverer *WebhookDeliverer) Deliver(ctx context.Context, event *outbox.Event) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, deliverer.endpoint, bytes.NewReader(event.Payload))
	if err != nil {
		return outbox.NewPermanentDeliveryError(fmt.Errorf("build webhook request: %w", err))
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", event.DedupeKey)
	request.Header.Set("X-Tenant-ID", event.TenantID)
	request.Header.Set("X-Event-Kind", event.Kind.String())

	for name, value := range deliverer.headers {
		request.Header.Set(name, value)
	}

	response, err := deliverer.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxWebhookResponseBody))
		response.Body.Close()
	}()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}

	deliverer.logger.Debug("webhook delivery rejected",
		zap.String("event_id", event.ID.String()),
		zap.Int("status", response.StatusCode),
	)

	if isTransientStatus(response.StatusCode) {
		return outbox.NewTransientDeliveryError(fmt.Errorf("webhook endpoint returned status %d", response.StatusCode))
	}

	return outbox.NewPermanentDeliveryError(fmt.Errorf("webhook endpoint returned status %d", response.StatusCode))
}

func isTransientStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
