package broker

import (
	"context"
	"errors"
	"time"

	"github.com/matterline/matterline-go/contracts"
)

var (
	// ErrBrokerClosed is returned on any operation after Close.
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrQueueNotFound is returned when a queue has never been sent to
	// or declared.
	ErrQueueNotFound = errors.New("queue not found")
)

// DefaultLockDuration is the session lease granted to a consumer.
// Holders must renew before expiry or the session is reclaimed and
// in-flight messages are redelivered.
const DefaultLockDuration = 5 * time.Minute

// SendOptions controls routing and timing of a single send.
type SendOptions struct {
	// SessionKey partitions the queue; messages sharing a key are
	// delivered FIFO to at most one consumer at a time. Empty means
	// the message joins the unordered portion of the queue.
	SessionKey string

	// ScheduledFor delays visibility until the given instant. Zero or
	// past values mean immediate delivery.
	ScheduledFor time.Time

	// Priority 1-10; higher is more urgent. Zero uses the envelope's
	// own priority.
	Priority int
}

// Delivery is a claimed message plus the broker's own attempt
// counter. Token is broker-private acknowledgment state.
type Delivery struct {
	Envelope      *contracts.Envelope
	DeliveryCount int
	Token         any
}

// QueueStats is best-effort depth telemetry. It is never
// correctness-bearing; callers must tolerate errors and staleness.
type QueueStats struct {
	Queue           string
	Depth           int
	ScheduledDepth  int
	ActiveSessions  int
	LockedSessions  int
	DeadLetterDepth int
	Consumers       int
}

// Receiver consumes the unordered portion of a queue.
type Receiver interface {
	// Fetch returns up to max deliveries, waiting at most wait for the
	// first one. An empty slice is a valid result.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error)

	Complete(ctx context.Context, d *Delivery) error

	// Abandon returns the delivery to the queue and increments the
	// envelope's retry count. Exhausted budgets divert to dead-letter.
	Abandon(ctx context.Context, d *Delivery) error

	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	Close() error
}

// SessionReceiver holds an exclusive lock on one session and drains
// it in FIFO order.
type SessionReceiver interface {
	SessionKey() string

	// Receive returns the next message in enqueue order, or
	// contracts.ErrEndOfSession when the backlog is drained, or
	// contracts.ErrSessionLockLost if the lease expired.
	Receive(ctx context.Context) (*Delivery, error)

	Complete(ctx context.Context, d *Delivery) error
	Abandon(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// RenewLock extends the lease. Callers renew at half the lock
	// duration; failure means the session belongs to someone else.
	RenewLock(ctx context.Context) error

	LockedUntil() time.Time

	// Close releases the lock explicitly so another consumer can
	// resume without waiting out the lease.
	Close() error
}

// Broker is the abstract transport capability: send-with-session,
// receive-with-session-lock, dead-letter, and peek-stats. Senders and
// receivers are long-lived, created lazily, cached by queue name, and
// closed during shutdown.
type Broker interface {
	Send(ctx context.Context, queue string, env *contracts.Envelope, opts SendOptions) error

	// Receiver returns the cached unordered receiver for a queue.
	Receiver(queue string) (Receiver, error)

	// AcceptSession locks a session on the queue. An empty sessionKey
	// means "next available": the call blocks until some session has
	// backlog and no holder. A named session with no backlog returns
	// contracts.ErrNoSessionAvailable rather than an empty handle.
	AcceptSession(ctx context.Context, queue, sessionKey string) (SessionReceiver, error)

	Stats(ctx context.Context, queue string) (QueueStats, error)

	Close() error
}
