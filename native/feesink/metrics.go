package feesink

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsOnce       sync.Once
	sharedSinkMetrics *deliveryMetrics
)

type deliveryMetrics struct {
	outcomes metric.Int64Counter
	attempts metric.Int64Histogram
}

func sinkMetrics() *deliveryMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("multivault/feesink")
		outcomes, err := meter.Int64Counter("multivault.feesink.deliveries",
			metric.WithDescription("Fee deliveries by outcome."))
		if err != nil {
			outcomes, _ = noop.NewMeterProvider().Meter("multivault/feesink").Int64Counter("multivault.feesink.deliveries")
		}
		attempts, err := meter.Int64Histogram("multivault.feesink.attempts",
			metric.WithDescription("Attempts needed per fee delivery."))
		if err != nil {
			attempts, _ = noop.NewMeterProvider().Meter("multivault/feesink").Int64Histogram("multivault.feesink.attempts")
		}
		sharedSinkMetrics = &deliveryMetrics{outcomes: outcomes, attempts: attempts}
	})
	return sharedSinkMetrics
}

func (m *deliveryMetrics) record(outcome string, attempts int) {
	if m == nil || m.outcomes == nil {
		return
	}
	ctx := context.Background()
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if attempts > 0 {
		m.attempts.Record(ctx, int64(attempts))
	}
}
