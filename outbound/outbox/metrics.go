package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	eventsSent        metric.Int64Counter
	eventsDead        metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventsStateFailed metric.Int64Counter
	cycleLatency      metric.Float64Histogram
	claimedDepth      metric.Int64Gauge
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbound.outbox.processor")

	var (
		metrics processorMetrics
		err     error
	)

	metrics.eventsSent, err = meter.Int64Counter(
		"outbox.events.sent",
		metric.WithDescription("Number of outbox events delivered successfully"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.sent counter: %w", err)
	}

	metrics.eventsDead, err = meter.Int64Counter(
		"outbox.events.dead",
		metric.WithDescription("Number of outbox events dead-lettered"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.dead counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox delivery attempts that failed and were scheduled for retry"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.eventsStateFailed, err = meter.Int64Counter(
		"outbox.events.state_update_failed",
		metric.WithDescription("Number of outbox events whose delivery outcome could not be persisted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.events.state_update_failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.process.latency",
		metric.WithDescription("Time taken per processing cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.process.latency histogram: %w", err)
	}

	metrics.claimedDepth, err = meter.Int64Gauge(
		"outbox.claimed.depth",
		metric.WithDescription("Number of due events claimed in a processing cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.claimed.depth gauge: %w", err)
	}

	return metrics, nil
}
