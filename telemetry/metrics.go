package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/matterline/matterline-go"

// Metrics is the module's counter set. Constructed against the global
// meter provider it is a no-op until the host application installs a
// real one, so instrumented code never branches on "metrics enabled".
type Metrics struct {
	gateRequests      metric.Int64Counter
	gateDenied        metric.Int64Counter
	consumerProcessed metric.Int64Counter
	consumerFailed    metric.Int64Counter
	deadLettered      metric.Int64Counter
}

// NewMetrics builds the counter set from a meter provider. A nil
// provider falls back to the otel global.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.gateRequests, err = meter.Int64Counter("gate.requests",
		metric.WithDescription("Requests evaluated by the request gate")); err != nil {
		return nil, fmt.Errorf("failed to create gate.requests counter: %w", err)
	}
	if m.gateDenied, err = meter.Int64Counter("gate.denied",
		metric.WithDescription("Requests denied by the request gate")); err != nil {
		return nil, fmt.Errorf("failed to create gate.denied counter: %w", err)
	}
	if m.consumerProcessed, err = meter.Int64Counter("consumer.processed",
		metric.WithDescription("Messages processed successfully")); err != nil {
		return nil, fmt.Errorf("failed to create consumer.processed counter: %w", err)
	}
	if m.consumerFailed, err = meter.Int64Counter("consumer.failed",
		metric.WithDescription("Messages whose handler failed")); err != nil {
		return nil, fmt.Errorf("failed to create consumer.failed counter: %w", err)
	}
	if m.deadLettered, err = meter.Int64Counter("queue.deadlettered",
		metric.WithDescription("Messages parked in dead-letter")); err != nil {
		return nil, fmt.Errorf("failed to create queue.deadlettered counter: %w", err)
	}

	return m, nil
}

// GateRequest records one gated request.
func (m *Metrics) GateRequest(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.gateRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// GateDenied records one denial with its error code.
func (m *Metrics) GateDenied(ctx context.Context, route, code string) {
	if m == nil {
		return
	}
	m.gateDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("code", code),
	))
}

// ConsumerProcessed records one successfully handled message.
func (m *Metrics) ConsumerProcessed(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.consumerProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// ConsumerFailed records one failed handling attempt.
func (m *Metrics) ConsumerFailed(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.consumerFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// DeadLettered records one message parked terminally.
func (m *Metrics) DeadLettered(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
