package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/matterline/matterline-go/internal/broker"
)

// Status classifies a queue's health from its depth telemetry.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Depth thresholds for the health assessment.
const (
	elevatedDepth = 1_000
	highDepth     = 10_000
)

// QueueHealth is the assessment for one queue.
type QueueHealth struct {
	Queue           string `json:"queue"`
	Status          Status `json:"status"`
	Message         string `json:"message"`
	Depth           int    `json:"depth"`
	DeadLetterDepth int    `json:"deadLetterDepth"`
	ActiveSessions  int    `json:"activeSessions"`
	Consumers       int    `json:"consumers"`
}

// Inspector reads best-effort depth telemetry from the broker. The
// numbers are advisory; errors degrade to warnings and never stop the
// caller.
type Inspector struct {
	broker broker.Broker
	logger *slog.Logger
}

// InspectorOption configures the Inspector.
type InspectorOption func(*Inspector)

// WithInspectorLogger sets the logger.
func WithInspectorLogger(logger *slog.Logger) InspectorOption {
	return func(i *Inspector) {
		i.logger = logger
	}
}

// NewInspector creates an inspector over a broker.
func NewInspector(b broker.Broker, options ...InspectorOption) (*Inspector, error) {
	if b == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}

	i := &Inspector{
		broker: b,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(i)
	}

	return i, nil
}

// Depth returns the queue's current backlog, scheduled messages
// excluded. Zero with an error means the reading is unavailable, not
// that the queue is empty.
func (i *Inspector) Depth(ctx context.Context, queue string) (int, error) {
	stats, err := i.broker.Stats(ctx, queue)
	if err != nil {
		i.logger.Warn("queue depth unavailable", "queue", queue, "error", err)
		return 0, fmt.Errorf("failed to read depth of %s: %w", queue, err)
	}
	return stats.Depth, nil
}

// Health assesses one queue from its stats snapshot.
func (i *Inspector) Health(ctx context.Context, queue string) (*QueueHealth, error) {
	stats, err := i.broker.Stats(ctx, queue)
	if err != nil {
		return &QueueHealth{
			Queue:   queue,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("failed to inspect queue: %v", err),
		}, err
	}

	health := &QueueHealth{
		Queue:           queue,
		Depth:           stats.Depth,
		DeadLetterDepth: stats.DeadLetterDepth,
		ActiveSessions:  stats.ActiveSessions,
		Consumers:       stats.Consumers,
	}

	switch {
	case stats.Depth > highDepth:
		health.Status = StatusUnhealthy
		health.Message = fmt.Sprintf("high message count: %d messages", stats.Depth)
	case stats.Depth > elevatedDepth:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("elevated message count: %d messages", stats.Depth)
	case stats.DeadLetterDepth > 0:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("%d dead-lettered messages awaiting review", stats.DeadLetterDepth)
	default:
		health.Status = StatusHealthy
		health.Message = "queue is healthy"
	}

	return health, nil
}
