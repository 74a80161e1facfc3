package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/matterline/matterline-go/internal/broker"
)

// Session is a claimed session handle. It pumps messages in FIFO
// order and keeps the lock alive with a renewal heartbeat at half the
// lease interval until Close.
type Session struct {
	recv      broker.SessionReceiver
	logger    *slog.Logger
	stopBeat  context.CancelFunc
	beatDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(recv broker.SessionReceiver, lockDuration time.Duration, logger *slog.Logger) *Session {
	beatCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		recv:     recv,
		logger:   logger,
		stopBeat: cancel,
		beatDone: make(chan struct{}),
	}

	go s.heartbeat(beatCtx, lockDuration/2)
	return s
}

// SessionKey returns the key of the locked session.
func (s *Session) SessionKey() string { return s.recv.SessionKey() }

// Receive returns the next message in enqueue order. It returns
// contracts.ErrEndOfSession when the backlog is drained and
// contracts.ErrSessionLockLost if the lease was reclaimed.
func (s *Session) Receive(ctx context.Context) (*broker.Delivery, error) {
	return s.recv.Receive(ctx)
}

// Complete acknowledges a message; ownership ends permanently.
func (s *Session) Complete(ctx context.Context, d *broker.Delivery) error {
	return s.recv.Complete(ctx, d)
}

// Abandon returns the message for redelivery and increments its retry
// count. A message past its budget is diverted to dead-letter and
// never redelivered.
func (s *Session) Abandon(ctx context.Context, d *broker.Delivery) error {
	return s.recv.Abandon(ctx, d)
}

// DeadLetter parks the message terminally.
func (s *Session) DeadLetter(ctx context.Context, d *broker.Delivery, reason string) error {
	return s.recv.DeadLetter(ctx, d, reason)
}

// Close stops the heartbeat and releases the session lock explicitly,
// so the next consumer does not wait out the lease.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopBeat()
		<-s.beatDone
		s.closeErr = s.recv.Close()
	})
	return s.closeErr
}

func (s *Session) heartbeat(ctx context.Context, interval time.Duration) {
	defer close(s.beatDone)

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.recv.RenewLock(ctx); err != nil {
				if !errors.Is(err, contracts.ErrSessionLockLost) {
					s.logger.Warn("session lock renewal failed",
						"sessionKey", s.recv.SessionKey(),
						"error", err,
					)
				}
				return
			}
		}
	}
}
