package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/matterline/matterline-go/internal/broker"
	"github.com/matterline/matterline-go/internal/reliability"
)

// Handler processes one ordered message. An error abandons the
// message; the broker's redelivery counter escalates repeat failures
// to dead-letter.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Worker runs long-lived session consumers against one queue domain.
// Each consumer slot accepts the next available session, drains it
// FIFO, releases it, and goes back to waiting. Stop is graceful: no
// new sessions are accepted, in-flight messages finish, and locks are
// released explicitly.
type Worker struct {
	queue       *Queue
	domain      string
	handler     Handler
	concurrency int
	acceptRetry reliability.Policy
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithWorkerConcurrency sets how many sessions are drained in
// parallel. Ordering within each session is unaffected.
func WithWorkerConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithAcceptRetryPolicy sets the backoff applied when accepting a
// session fails with an infrastructure error.
func WithAcceptRetryPolicy(policy reliability.Policy) WorkerOption {
	return func(w *Worker) {
		w.acceptRetry = policy
	}
}

// NewWorker creates a session worker for a queue domain.
func NewWorker(queue *Queue, domain string, handler Handler, options ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if domain == "" {
		return nil, fmt.Errorf("queue domain cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	w := &Worker{
		queue:       queue,
		domain:      domain,
		handler:     handler,
		concurrency: 4,
		acceptRetry: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w, nil
}

// Start launches the consumer slots.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runSlot(runCtx, i)
	}

	w.logger.Info("session worker started",
		"domain", w.domain,
		"concurrency", w.concurrency,
	)
	return nil
}

// Stop shuts the worker down gracefully and blocks until every slot
// has released its session.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker not running")
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.logger.Info("session worker stopped", "domain", w.domain)
	return nil
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	defer w.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		session, err := w.queue.ConsumeSession(ctx, w.domain, "")
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}

			ok, delay := w.acceptRetry.ShouldRetry(attempt, err)
			if !ok {
				attempt = 0
				delay = 30 * time.Second
			} else {
				attempt++
			}

			w.logger.Warn("failed to accept session",
				"domain", w.domain,
				"slot", slot,
				"error", err,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		w.drainSession(ctx, session, slot)
	}
}

// drainSession pumps one session until its backlog is empty or the
// worker is stopping. The in-flight message always finishes before
// the handle is released.
func (w *Worker) drainSession(ctx context.Context, session *Session, slot int) {
	defer func() {
		if err := session.Close(); err != nil {
			w.logger.Warn("failed to close session",
				"sessionKey", session.SessionKey(),
				"error", err,
			)
		}
	}()

	w.logger.Debug("draining session",
		"domain", w.domain,
		"slot", slot,
		"sessionKey", session.SessionKey(),
	)

	for {
		d, err := session.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, contracts.ErrEndOfSession):
			case errors.Is(err, contracts.ErrSessionLockLost):
				w.logger.Warn("session lock lost mid-drain",
					"sessionKey", session.SessionKey(),
				)
			case errors.Is(err, context.Canceled):
			default:
				w.logger.Error("session receive failed",
					"sessionKey", session.SessionKey(),
					"error", err,
				)
			}
			return
		}

		w.processMessage(ctx, session, d)

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, session *Session, d *broker.Delivery) {
	// Handler runs on its own context so a stop request does not
	// abort the in-flight message.
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := w.handler.Handle(handleCtx, d.Envelope)
	if err == nil {
		if ackErr := session.Complete(handleCtx, d); ackErr != nil {
			w.logger.Error("failed to complete message",
				"messageId", d.Envelope.ID,
				"error", ackErr,
			)
		}
		return
	}

	w.logger.Error("handler failed, abandoning message",
		"messageId", d.Envelope.ID,
		"messageType", d.Envelope.Type,
		"sessionKey", session.SessionKey(),
		"retryCount", d.Envelope.RetryCount,
		"error", err,
	)

	if abandonErr := session.Abandon(handleCtx, d); abandonErr != nil {
		w.logger.Error("failed to abandon message",
			"messageId", d.Envelope.ID,
			"error", abandonErr,
		)
	}
}
