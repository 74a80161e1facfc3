package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matterline/matterline-go/contracts"
)

// MemoryBroker is a complete in-process implementation of Broker:
// session locks with lease expiry, per-session FIFO, scheduled
// delivery, broker-side delivery counts, and a dead-letter store. It
// backs unit tests and single-process deployments.
type MemoryBroker struct {
	mu           sync.Mutex
	queues       map[string]*memoryQueue
	receivers    map[string]*memoryReceiver
	lockDuration time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	closed       bool
}

// DeadLetteredMessage is a terminally failed message with the reason
// it was parked.
type DeadLetteredMessage struct {
	Envelope     *contracts.Envelope
	Reason       string
	DeadLetterAt time.Time
}

type memoryQueue struct {
	unordered []*memoryDelivery
	inflight  map[string]*memoryDelivery
	sessions  map[string]*memorySession
	dead      []DeadLetteredMessage
}

type memorySession struct {
	key         string
	backlog     []*memoryDelivery
	inflight    []*memoryDelivery
	holder      *memorySessionReceiver
	lockedUntil time.Time
}

type memoryDelivery struct {
	env           *contracts.Envelope
	deliveryCount int
	availableAt   time.Time
}

// MemoryOption configures the MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithLockDuration sets the session lease duration.
func WithLockDuration(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		b.lockDuration = d
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		b.logger = logger
	}
}

// WithClock overrides the time source. Lease-expiry tests use this.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) {
		b.now = now
	}
}

// WithPollInterval sets how often blocked AcceptSession calls re-check
// for an available session.
func WithPollInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		b.pollInterval = d
	}
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker(options ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues:       make(map[string]*memoryQueue),
		receivers:    make(map[string]*memoryReceiver),
		lockDuration: DefaultLockDuration,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Send implements Broker.
func (b *MemoryBroker) Send(ctx context.Context, queue string, env *contracts.Envelope, opts SendOptions) error {
	if env == nil || env.Payload == nil {
		return contracts.ErrEmptyPayload
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	q := b.queueLocked(queue)

	if opts.SessionKey != "" {
		env.SessionKey = opts.SessionKey
	}
	if opts.Priority > 0 {
		env.Priority = opts.Priority
	}

	now := b.now()
	availableAt := now
	if opts.ScheduledFor.After(now) {
		availableAt = opts.ScheduledFor
		t := opts.ScheduledFor
		env.ScheduledFor = &t
	}

	md := &memoryDelivery{env: env, availableAt: availableAt}

	if env.SessionKey != "" {
		s := q.sessions[env.SessionKey]
		if s == nil {
			s = &memorySession{key: env.SessionKey}
			q.sessions[env.SessionKey] = s
		}
		s.backlog = append(s.backlog, md)
	} else {
		q.unordered = append(q.unordered, md)
	}

	b.logger.Debug("message enqueued",
		"queue", queue,
		"messageId", env.ID,
		"sessionKey", env.SessionKey,
	)

	return nil
}

// Receiver implements Broker. Receivers are cached by queue name and
// closed with the broker.
func (b *MemoryBroker) Receiver(queue string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	if r, ok := b.receivers[queue]; ok {
		return r, nil
	}

	r := &memoryReceiver{broker: b, queue: queue}
	b.receivers[queue] = r
	return r, nil
}

// AcceptSession implements Broker.
func (b *MemoryBroker) AcceptSession(ctx context.Context, queue, sessionKey string) (SessionReceiver, error) {
	for {
		recv, retry, err := b.tryAcceptSession(queue, sessionKey)
		if err != nil {
			return nil, err
		}
		if recv != nil {
			return recv, nil
		}
		if !retry {
			return nil, contracts.ErrNoSessionAvailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// tryAcceptSession attempts a single lock. It returns retry=true when
// the caller should keep waiting (no session ready yet, or the named
// session is held by someone else).
func (b *MemoryBroker) tryAcceptSession(queue, sessionKey string) (*memorySessionReceiver, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false, ErrBrokerClosed
	}

	q := b.queueLocked(queue)
	now := b.now()
	b.expireLeasesLocked(q, now)

	if sessionKey != "" {
		s := q.sessions[sessionKey]
		if s == nil || (len(s.backlog) == 0 && len(s.inflight) == 0) {
			return nil, false, nil
		}
		if s.holder != nil {
			return nil, true, nil
		}
		return b.lockSessionLocked(queue, s, now), false, nil
	}

	for _, s := range q.sessions {
		if s.holder == nil && s.hasAvailable(now) {
			return b.lockSessionLocked(queue, s, now), false, nil
		}
	}
	return nil, true, nil
}

func (b *MemoryBroker) lockSessionLocked(queue string, s *memorySession, now time.Time) *memorySessionReceiver {
	r := &memorySessionReceiver{broker: b, queue: queue, sess: s}
	s.holder = r
	s.lockedUntil = now.Add(b.lockDuration)

	b.logger.Debug("session locked",
		"queue", queue,
		"sessionKey", s.key,
		"lockedUntil", s.lockedUntil,
	)
	return r
}

// expireLeasesLocked reclaims sessions whose lease lapsed, returning
// in-flight messages to the head of the backlog in their original
// order.
func (b *MemoryBroker) expireLeasesLocked(q *memoryQueue, now time.Time) {
	for _, s := range q.sessions {
		if s.holder != nil && now.After(s.lockedUntil) {
			holder := s.holder
			holder.invalid = true
			s.holder = nil
			s.requeueInflight()

			b.logger.Warn("session lease expired, lock reclaimed",
				"sessionKey", s.key,
			)
		}
	}
}

// Stats implements Broker.
func (b *MemoryBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return QueueStats{}, ErrBrokerClosed
	}

	q, ok := b.queues[queue]
	if !ok {
		return QueueStats{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	now := b.now()
	stats := QueueStats{Queue: queue, DeadLetterDepth: len(q.dead)}

	for _, md := range q.unordered {
		if md.availableAt.After(now) {
			stats.ScheduledDepth++
		} else {
			stats.Depth++
		}
	}
	for _, s := range q.sessions {
		if len(s.backlog) == 0 && len(s.inflight) == 0 {
			continue
		}
		stats.ActiveSessions++
		if s.holder != nil {
			stats.LockedSessions++
		}
		for _, md := range s.backlog {
			if md.availableAt.After(now) {
				stats.ScheduledDepth++
			} else {
				stats.Depth++
			}
		}
	}

	return stats, nil
}

// DeadLetters returns the dead-letter set for a queue.
func (b *MemoryBroker) DeadLetters(queue string) []DeadLetteredMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]DeadLetteredMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, q := range b.queues {
		for _, s := range q.sessions {
			if s.holder != nil {
				s.holder.invalid = true
				s.holder = nil
				s.requeueInflight()
			}
		}
	}

	return nil
}

func (b *MemoryBroker) queueLocked(queue string) *memoryQueue {
	q, ok := b.queues[queue]
	if !ok {
		q = &memoryQueue{
			inflight: make(map[string]*memoryDelivery),
			sessions: make(map[string]*memorySession),
		}
		b.queues[queue] = q
	}
	return q
}

func (s *memorySession) hasAvailable(now time.Time) bool {
	for _, md := range s.backlog {
		if !md.availableAt.After(now) {
			return true
		}
	}
	return false
}

func (s *memorySession) requeueInflight() {
	if len(s.inflight) == 0 {
		return
	}
	s.backlog = append(append([]*memoryDelivery{}, s.inflight...), s.backlog...)
	s.inflight = nil
}

func (s *memorySession) removeInflight(id string) *memoryDelivery {
	for i, md := range s.inflight {
		if md.env.ID == id {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return md
		}
	}
	return nil
}

// memorySessionReceiver drains one locked session.
type memorySessionReceiver struct {
	broker  *MemoryBroker
	queue   string
	sess    *memorySession
	invalid bool
	closed  bool
}

func (r *memorySessionReceiver) SessionKey() string { return r.sess.key }

func (r *memorySessionReceiver) Receive(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if err := r.checkLockLocked(); err != nil {
		return nil, err
	}

	now := r.broker.now()
	for i, md := range r.sess.backlog {
		if md.availableAt.After(now) {
			continue
		}
		r.sess.backlog = append(r.sess.backlog[:i], r.sess.backlog[i+1:]...)
		md.deliveryCount++
		r.sess.inflight = append(r.sess.inflight, md)
		return &Delivery{Envelope: md.env, DeliveryCount: md.deliveryCount, Token: md}, nil
	}

	return nil, contracts.ErrEndOfSession
}

func (r *memorySessionReceiver) Complete(ctx context.Context, d *Delivery) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if err := r.checkLockLocked(); err != nil {
		return err
	}
	if md := r.sess.removeInflight(d.Envelope.ID); md == nil {
		return fmt.Errorf("message %s is not in flight", d.Envelope.ID)
	}
	return nil
}

func (r *memorySessionReceiver) Abandon(ctx context.Context, d *Delivery) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if err := r.checkLockLocked(); err != nil {
		return err
	}

	md := r.sess.removeInflight(d.Envelope.ID)
	if md == nil {
		return fmt.Errorf("message %s is not in flight", d.Envelope.ID)
	}

	md.env.RetryCount++
	if md.env.RetryCount > md.env.MaxRetries {
		q := r.broker.queueLocked(r.queue)
		q.dead = append(q.dead, DeadLetteredMessage{
			Envelope:     md.env,
			Reason:       "retry budget exhausted",
			DeadLetterAt: r.broker.now(),
		})
		r.broker.logger.Error("message moved to dead-letter",
			"queue", r.queue,
			"messageId", md.env.ID,
			"messageType", md.env.Type,
			"sessionKey", r.sess.key,
			"retryCount", md.env.RetryCount,
		)
		return nil
	}

	r.sess.backlog = append([]*memoryDelivery{md}, r.sess.backlog...)
	return nil
}

func (r *memorySessionReceiver) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if err := r.checkLockLocked(); err != nil {
		return err
	}

	md := r.sess.removeInflight(d.Envelope.ID)
	if md == nil {
		return fmt.Errorf("message %s is not in flight", d.Envelope.ID)
	}

	q := r.broker.queueLocked(r.queue)
	q.dead = append(q.dead, DeadLetteredMessage{
		Envelope:     md.env,
		Reason:       reason,
		DeadLetterAt: r.broker.now(),
	})
	return nil
}

func (r *memorySessionReceiver) RenewLock(ctx context.Context) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if err := r.checkLockLocked(); err != nil {
		return err
	}

	r.sess.lockedUntil = r.broker.now().Add(r.broker.lockDuration)
	return nil
}

func (r *memorySessionReceiver) LockedUntil() time.Time {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	return r.sess.lockedUntil
}

func (r *memorySessionReceiver) Close() error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.sess.holder == r {
		r.sess.holder = nil
		r.sess.requeueInflight()
	}
	return nil
}

// checkLockLocked validates the lease under the broker mutex.
func (r *memorySessionReceiver) checkLockLocked() error {
	if r.closed {
		return contracts.ErrSessionLockLost
	}
	if r.invalid || r.sess.holder != r {
		return contracts.ErrSessionLockLost
	}
	if r.broker.now().After(r.sess.lockedUntil) {
		r.invalid = true
		r.sess.holder = nil
		r.sess.requeueInflight()
		return contracts.ErrSessionLockLost
	}
	return nil
}

// memoryReceiver consumes the unordered portion of a queue.
type memoryReceiver struct {
	broker *MemoryBroker
	queue  string
	closed bool
	mu     sync.Mutex
}

func (r *memoryReceiver) Fetch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}

	deadline := r.broker.now().Add(wait)
	for {
		deliveries, err := r.fetchAvailable(max)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if !r.broker.now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.broker.pollInterval):
		}
	}
}

func (r *memoryReceiver) fetchAvailable(max int) ([]*Delivery, error) {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	if r.isClosed() {
		return nil, ErrBrokerClosed
	}

	q := r.broker.queueLocked(r.queue)
	now := r.broker.now()

	var out []*Delivery
	remaining := q.unordered[:0]
	for _, md := range q.unordered {
		if len(out) < max && !md.availableAt.After(now) {
			md.deliveryCount++
			q.inflight[md.env.ID] = md
			out = append(out, &Delivery{Envelope: md.env, DeliveryCount: md.deliveryCount, Token: md})
			continue
		}
		remaining = append(remaining, md)
	}
	q.unordered = remaining
	return out, nil
}

func (r *memoryReceiver) Complete(ctx context.Context, d *Delivery) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	q := r.broker.queueLocked(r.queue)
	if _, ok := q.inflight[d.Envelope.ID]; !ok {
		return fmt.Errorf("message %s is not in flight", d.Envelope.ID)
	}
	delete(q.inflight, d.Envelope.ID)
	return nil
}

func (r *memoryReceiver) Abandon(ctx context.Context, d *Delivery) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	q := r.broker.queueLocked(r.queue)
	md, ok := q.inflight[d.Envelope.ID]
	if !ok {
		return fmt.Errorf("message %s is not in flight", d.Envelope.ID)
	}
	delete(q.inflight, d.Envelope.ID)

	md.env.RetryCount++
	if md.env.RetryCount > md.env.MaxRetries {
		q.dead = append(q.dead, DeadLetteredMessage{
			Envelope:     md.env,
			Reason:       "retry budget exhausted",
			DeadLetterAt: r.broker.now(),
		})
		r.broker.logger.Error("message moved to dead-letter",
			"queue", r.queue,
			"messageId", md.env.ID,
			"messageType", md.env.Type,
			"retryCount", md.env.RetryCount,
		)
		return nil
	}

	q.unordered = append(q.unordered, md)
	return nil
}

func (r *memoryReceiver) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	q := r.broker.queueLocked(r.queue)
	md, ok := q.inflight[d.Envelope.ID]
	if !ok {
		return fmt.Errorf("message %s is not in flight", d.Envelope.ID)
	}
	delete(q.inflight, d.Envelope.ID)

	q.dead = append(q.dead, DeadLetteredMessage{
		Envelope:     md.env,
		Reason:       reason,
		DeadLetterAt: r.broker.now(),
	})
	return nil
}

func (r *memoryReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *memoryReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.broker.closed
}
