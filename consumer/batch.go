package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matterline/matterline-go/internal/broker"
	"github.com/matterline/matterline-go/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 32
	defaultBatchWindow = 2 * time.Second
	defaultConcurrency = 8
	defaultIdleWait    = time.Second
)

// BatchConsumer drains the unordered portion of a queue in chunks. A
// chunk is fetched, dispatched with bounded concurrency, and fully
// settled before the next fetch. One message's failure never aborts
// its siblings; each delivery resolves on its own to Complete,
// Abandon, or dead-letter via the broker's redelivery budget.
type BatchConsumer struct {
	broker      broker.Broker
	table       *DispatchTable
	batchSize   int
	batchWindow time.Duration
	concurrency int
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	mu      sync.Mutex
	running bool
}

// BatchOption configures the BatchConsumer.
type BatchOption func(*BatchConsumer)

// WithBatchSize caps how many messages one chunk fetches.
func WithBatchSize(n int) BatchOption {
	return func(c *BatchConsumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithBatchWindow bounds how long a fetch waits to fill a chunk.
func WithBatchWindow(d time.Duration) BatchOption {
	return func(c *BatchConsumer) {
		if d > 0 {
			c.batchWindow = d
		}
	}
}

// WithBatchConcurrency caps how many messages of a chunk are handled
// in parallel.
func WithBatchConcurrency(n int) BatchOption {
	return func(c *BatchConsumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithBatchLogger sets the logger.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(c *BatchConsumer) {
		c.logger = logger
	}
}

// WithBatchMetrics attaches outcome counters.
func WithBatchMetrics(metrics *telemetry.Metrics) BatchOption {
	return func(c *BatchConsumer) {
		c.metrics = metrics
	}
}

// NewBatchConsumer creates a chunked consumer over a dispatch table.
func NewBatchConsumer(b broker.Broker, table *DispatchTable, options ...BatchOption) (*BatchConsumer, error) {
	if b == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if table == nil {
		return nil, fmt.Errorf("dispatch table cannot be nil")
	}

	c := &BatchConsumer{
		broker:      b,
		table:       table,
		batchSize:   defaultBatchSize,
		batchWindow: defaultBatchWindow,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Drain consumes the queue until ctx is cancelled. It returns nil on
// cancellation and an error only when the receiver itself fails
// irrecoverably.
func (c *BatchConsumer) Drain(ctx context.Context, queue string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("batch consumer already draining")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	recv, err := c.broker.Receiver(queue)
	if err != nil {
		return fmt.Errorf("failed to open receiver for %s: %w", queue, err)
	}

	c.logger.Info("batch consumer draining",
		"queue", queue,
		"batchSize", c.batchSize,
		"concurrency", c.concurrency,
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		deliveries, err := recv.Fetch(ctx, c.batchSize, c.batchWindow)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, broker.ErrBrokerClosed) {
				return err
			}
			c.logger.Error("chunk fetch failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(defaultIdleWait):
			}
			continue
		}

		if len(deliveries) == 0 {
			continue
		}

		c.processChunk(ctx, queue, recv, deliveries)
	}
}

// processChunk settles every delivery of one chunk before returning.
func (c *BatchConsumer) processChunk(ctx context.Context, queue string, recv broker.Receiver, deliveries []*broker.Delivery) {
	var successful, failed atomic.Int64

	g, chunkCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, d := range deliveries {
		d := d
		g.Go(func() error {
			if c.processOne(chunkCtx, recv, d) {
				successful.Add(1)
				c.metrics.ConsumerProcessed(chunkCtx, queue)
			} else {
				failed.Add(1)
				c.metrics.ConsumerFailed(chunkCtx, queue)
			}
			// Outcomes are isolated per message; never propagate.
			return nil
		})
	}
	g.Wait()

	c.logger.Info("chunk settled",
		"queue", queue,
		"successful", successful.Load(),
		"failed", failed.Load(),
	)
}

// processOne runs one delivery through the dispatch table and settles
// it. Handler panics count as failures, not crashes.
func (c *BatchConsumer) processOne(ctx context.Context, recv broker.Receiver, d *broker.Delivery) (ok bool) {
	// Settlement must not be cut short by a cancelled drain.
	settleCtx := context.WithoutCancel(ctx)

	err := c.dispatchSafely(ctx, d)
	if err == nil {
		if ackErr := recv.Complete(settleCtx, d); ackErr != nil {
			c.logger.Error("failed to complete message",
				"messageId", d.Envelope.ID,
				"error", ackErr,
			)
			return false
		}
		return true
	}

	var unknown *ErrUnknownPayloadType
	if errors.As(err, &unknown) {
		// Redelivery cannot fix an undecodable message; acknowledge it
		// so it stops occupying the queue.
		c.logger.Warn("acknowledging message with unknown payload type",
			"messageId", d.Envelope.ID,
			"payloadType", unknown.Type,
		)
		if ackErr := recv.Complete(settleCtx, d); ackErr != nil {
			c.logger.Error("failed to complete unknown-type message",
				"messageId", d.Envelope.ID,
				"error", ackErr,
			)
		}
		return false
	}

	c.logger.Error("handler failed, abandoning message",
		"messageId", d.Envelope.ID,
		"messageType", d.Envelope.Type,
		"retryCount", d.Envelope.RetryCount,
		"error", err,
	)
	if abandonErr := recv.Abandon(settleCtx, d); abandonErr != nil {
		c.logger.Error("failed to abandon message",
			"messageId", d.Envelope.ID,
			"error", abandonErr,
		)
	}
	return false
}

func (c *BatchConsumer) dispatchSafely(ctx context.Context, d *broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.table.Dispatch(ctx, d.Envelope)
}
