//go:build unit

package adapter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

func setupExportClient(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNewExportDeliverer_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewExportDeliverer(nil, "outbound:exports")
	require.ErrorIs(t, err, ErrRedisClientRequired)
}

func TestExportDeliverer_DeliverAppendsToStream(t *testing.T) {
	t.Parallel()

	client := setupExportClient(t)

	deliverer, err := NewExportDeliverer(client, "outbound:exports")
	require.NoError(t, err)

	event, err := outbox.NewEvent("tenant-1", outbox.KindExport, []byte(`{"report":"monthly"}`), "report-2026-08")
	require.NoError(t, err)

	require.NoError(t, deliverer.Deliver(context.Background(), event))

	entries, err := client.XRange(context.Background(), "outbound:exports", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	require.Equal(t, event.ID.String(), values["event_id"])
	require.Equal(t, "tenant-1", values["tenant_id"])
	require.Equal(t, "export", values["kind"])
	require.Equal(t, "report-2026-08", values["dedupe_key"])
	require.JSONEq(t, `{"report":"monthly"}`, values["payload"].(string))
}

func TestExportDeliverer_DefaultStreamName(t *testing.T) {
	t.Parallel()

	client := setupExportClient(t)

	deliverer, err := NewExportDeliverer(client, "")
	require.NoError(t, err)

	event, err := outbox.NewEvent("tenant-1", outbox.KindExport, []byte(`{}`), "report-1")
	require.NoError(t, err)

	require.NoError(t, deliverer.Deliver(context.Background(), event))

	length, err := client.XLen(context.Background(), "outbound:exports").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}

func TestExportDeliverer_DeliverAfterClose(t *testing.T) {
	t.Parallel()

	client := setupExportClient(t)
	require.NoError(t, client.Close())

	deliverer, err := NewExportDeliverer(client, "outbound:exports")
	require.NoError(t, err)

	event, err := outbox.NewEvent("tenant-1", outbox.KindExport, []byte(`{}`), "report-2")
	require.NoError(t, err)

	err = deliverer.Deliver(context.Background(), event)
	require.Error(t, err)
	require.False(t, outbox.IsPermanentDelivery(err))
}
