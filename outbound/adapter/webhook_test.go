//go:build unit

package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

func newWebhookEvent(t *testing.T) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent("tenant-1", outbox.KindWebhook, []byte(`{"order":"o-42"}`), "order-o-42")
	require.NoError(t, err)

	return event
}

func TestNewWebhookDeliverer_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewWebhookDeliverer("")
	require.ErrorIs(t, err, ErrEndpointRequired)
}

func TestWebhookDeliverer_DeliverSuccess(t *testing.T) {
	t.Parallel()

	event := newWebhookEvent(t)

	var received *http.Request

	var body []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	deliverer, err := NewWebhookDeliverer(server.URL, WithWebhookHeader("X-Signature", "abc"))
	require.NoError(t, err)

	require.NoError(t, deliverer.Deliver(context.Background(), event))

	require.NotNil(t, received)
	require.Equal(t, http.MethodPost, received.Method)
	require.Equal(t, "application/json", received.Header.Get("Content-Type"))
	require.Equal(t, event.DedupeKey, received.Header.Get("Idempotency-Key"))
	require.Equal(t, event.TenantID, received.Header.Get("X-Tenant-ID"))
	require.Equal(t, event.Kind.String(), received.Header.Get("X-Event-Kind"))
	require.Equal(t, "abc", received.Header.Get("X-Signature"))
	require.JSONEq(t, `{"order":"o-42"}`, string(body))
}

func TestWebhookDeliverer_TransientStatuses(t *testing.T) {
	t.Parallel()

	statuses := []int{
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
	}

	for _, status := range statuses {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		deliverer, err := NewWebhookDeliverer(server.URL)
		require.NoError(t, err)

		err = deliverer.Deliver(context.Background(), newWebhookEvent(t))
		require.Error(t, err, "status %d", status)
		require.False(t, outbox.IsPermanentDelivery(err), "status %d must retry", status)

		server.Close()
	}
}

func TestWebhookDeliverer_PermanentStatuses(t *testing.T) {
	t.Parallel()

	statuses := []int{
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusGone,
		http.StatusUnprocessableEntity,
	}

	for _, status := range statuses {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		deliverer, err := NewWebhookDeliverer(server.URL)
		require.NoError(t, err)

		err = deliverer.Deliver(context.Background(), newWebhookEvent(t))
		require.Error(t, err, "status %d", status)
		require.True(t, outbox.IsPermanentDelivery(err), "status %d must dead-letter", status)

		server.Close()
	}
}

func TestWebhookDeliverer_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	deliverer, err := NewWebhookDeliverer(server.URL, WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)

	err = deliverer.Deliver(context.Background(), newWebhookEvent(t))
	require.Error(t, err)
	require.False(t, outbox.IsPermanentDelivery(err))

	var deliveryErr *outbox.DeliveryError
	require.False(t, errors.As(err, &deliveryErr))
}
