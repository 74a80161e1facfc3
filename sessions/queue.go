// Package sessions implements the tenant-ordered queueing layer:
// every write for a tenant lands in that tenant's session and is
// processed strictly FIFO by a single consumer at a time, while
// different tenants drain concurrently.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/matterline/matterline-go/internal/broker"
)

// Queue enqueues tenant-partitioned messages and hands out session
// consumers.
type Queue struct {
	broker       broker.Broker
	lockDuration time.Duration
	logger       *slog.Logger
}

// QueueOption configures the Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueLockDuration sets the session lease duration used to pace
// the renewal heartbeat. It must match the broker's configured lease.
func WithQueueLockDuration(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.lockDuration = d
	}
}

// NewQueue creates a session queue over a broker.
func NewQueue(b broker.Broker, options ...QueueOption) *Queue {
	q := &Queue{
		broker:       b,
		lockDuration: broker.DefaultLockDuration,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

type enqueueConfig struct {
	scheduledFor  time.Time
	priority      int
	maxRetries    int
	correlationID string
}

// EnqueueOption configures a single enqueue.
type EnqueueOption func(*enqueueConfig)

// WithScheduledAt delays delivery until the given instant. Past
// instants mean immediate delivery.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(c *enqueueConfig) {
		c.scheduledFor = t
	}
}

// WithPriority sets the message priority, 1-10.
func WithPriority(p int) EnqueueOption {
	return func(c *enqueueConfig) {
		c.priority = p
	}
}

// WithMaxRetries overrides the message retry budget.
func WithMaxRetries(n int) EnqueueOption {
	return func(c *enqueueConfig) {
		c.maxRetries = n
	}
}

// WithCorrelationID tags the message for tracing across hops.
func WithCorrelationID(id string) EnqueueOption {
	return func(c *enqueueConfig) {
		c.correlationID = id
	}
}

// Enqueue adds a payload to the tenant's session within the queue
// domain and returns the assigned message id. Empty payloads are
// rejected, never dropped.
func (q *Queue) Enqueue(ctx context.Context, domain, tenantID string, payload contracts.Payload, options ...EnqueueOption) (string, error) {
	if payload == nil {
		return "", contracts.ErrEmptyPayload
	}
	if err := validateEnqueueTarget(domain, tenantID); err != nil {
		return "", err
	}

	var cfg enqueueConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.priority < 0 || cfg.priority > 10 {
		return "", fmt.Errorf("priority must be between 1 and 10, got %d", cfg.priority)
	}

	env, err := contracts.NewEnvelope(payload)
	if err != nil {
		return "", err
	}
	if cfg.maxRetries > 0 {
		env.MaxRetries = cfg.maxRetries
	}
	if cfg.correlationID != "" {
		env.CorrelationID = cfg.correlationID
	}

	sessionKey := SessionKeyFor(domain, tenantID)
	err = q.broker.Send(ctx, domain, env, broker.SendOptions{
		SessionKey:   sessionKey,
		ScheduledFor: cfg.scheduledFor,
		Priority:     cfg.priority,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	q.logger.Debug("message enqueued",
		"domain", domain,
		"sessionKey", sessionKey,
		"messageId", env.ID,
		"messageType", env.Type,
	)

	return env.ID, nil
}

// Publish adds a payload to the unordered portion of a queue, for
// traffic that needs no per-tenant ordering. Batch consumers drain it
// concurrently.
func (q *Queue) Publish(ctx context.Context, queue string, payload contracts.Payload, options ...EnqueueOption) (string, error) {
	if payload == nil {
		return "", contracts.ErrEmptyPayload
	}
	if queue == "" {
		return "", fmt.Errorf("queue name cannot be empty")
	}

	var cfg enqueueConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.priority < 0 || cfg.priority > 10 {
		return "", fmt.Errorf("priority must be between 1 and 10, got %d", cfg.priority)
	}

	env, err := contracts.NewEnvelope(payload)
	if err != nil {
		return "", err
	}
	if cfg.maxRetries > 0 {
		env.MaxRetries = cfg.maxRetries
	}
	if cfg.correlationID != "" {
		env.CorrelationID = cfg.correlationID
	}

	err = q.broker.Send(ctx, queue, env, broker.SendOptions{
		ScheduledFor: cfg.scheduledFor,
		Priority:     cfg.priority,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	q.logger.Debug("message published",
		"queue", queue,
		"messageId", env.ID,
		"messageType", env.Type,
	)

	return env.ID, nil
}

// ConsumeSession locks a session and returns its handle. An empty
// tenantID accepts the next available session, blocking until one has
// backlog. A named tenant with no backlog yields
// contracts.ErrNoSessionAvailable instead of an empty handle.
func (q *Queue) ConsumeSession(ctx context.Context, domain, tenantID string) (*Session, error) {
	if domain == "" {
		return nil, fmt.Errorf("queue domain cannot be empty")
	}

	sessionKey := ""
	if tenantID != "" {
		sessionKey = SessionKeyFor(domain, tenantID)
	}

	recv, err := q.broker.AcceptSession(ctx, domain, sessionKey)
	if err != nil {
		return nil, err
	}

	return newSession(recv, q.lockDuration, q.logger), nil
}

// Stats returns best-effort depth telemetry for a queue domain.
func (q *Queue) Stats(ctx context.Context, domain string) (broker.QueueStats, error) {
	return q.broker.Stats(ctx, domain)
}
