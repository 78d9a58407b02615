package circuitbreaker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type breakerMetrics struct {
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
}

func newBreakerMetrics(provider metric.MeterProvider) (breakerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbound.circuitbreaker")

	var (
		metrics breakerMetrics
		err     error
	)

	metrics.transitions, err = meter.Int64Counter(
		"circuitbreaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return breakerMetrics{}, fmt.Errorf("create circuitbreaker.transitions counter: %w", err)
	}

	metrics.rejections, err = meter.Int64Counter(
		"circuitbreaker.rejections",
		metric.WithDescription("Number of calls rejected without invoking the dependency"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return breakerMetrics{}, fmt.Errorf("create circuitbreaker.rejections counter: %w", err)
	}

	return metrics, nil
}

func (metrics breakerMetrics) recordTransition(ctx context.Context, name string, from, to State) {
	if metrics.transitions == nil {
		return
	}

	metrics.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", name),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (metrics breakerMetrics) recordRejection(ctx context.Context, name string) {
	if metrics.rejections == nil {
		return
	}

	metrics.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", name),
	))
}
