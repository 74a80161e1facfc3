package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matterline/matterline-go/contracts"
)

const (
	deadLetterExchange = "matterline.dlx"
	delayedExchange    = "matterline.delayed"

	sessionQueueInfix   = ".s."
	announceQueueSuffix = ".sessions"
	deadLetterSuffix    = ".dead-letter"
)

var (
	errSessionLocked = errors.New("session locked by another consumer")
	errSessionEmpty  = errors.New("session has no backlog")
)

// AMQPBroker implements Broker on RabbitMQ. Sessions map to
// per-session quorum queues consumed exclusively; mutual exclusion is
// enforced by the broker, the lease in this layer is the renewal
// contract consumers program against. Dead-lettering routes through a
// shared DLX into a per-queue parking queue.
type AMQPBroker struct {
	conn         *ConnectionManager
	mu           sync.Mutex
	senders      map[string]*amqp.Channel
	receivers    map[string]*amqpReceiver
	declared     map[string]bool
	announced    map[string]bool
	lockDuration time.Duration
	prefetch     int
	logger       *slog.Logger
	closed       bool
}

// AMQPOption configures the AMQPBroker.
type AMQPOption func(*AMQPBroker)

// WithAMQPLogger sets the logger.
func WithAMQPLogger(logger *slog.Logger) AMQPOption {
	return func(b *AMQPBroker) {
		b.logger = logger
	}
}

// WithAMQPLockDuration sets the session lease duration.
func WithAMQPLockDuration(d time.Duration) AMQPOption {
	return func(b *AMQPBroker) {
		b.lockDuration = d
	}
}

// WithAMQPPrefetch sets the unordered receiver prefetch count.
func WithAMQPPrefetch(n int) AMQPOption {
	return func(b *AMQPBroker) {
		b.prefetch = n
	}
}

// NewAMQPBroker creates a broker over an established connection
// manager. Senders and receivers are opened lazily, cached by queue
// name, and closed together in Close.
func NewAMQPBroker(conn *ConnectionManager, options ...AMQPOption) *AMQPBroker {
	b := &AMQPBroker{
		conn:         conn,
		senders:      make(map[string]*amqp.Channel),
		receivers:    make(map[string]*amqpReceiver),
		declared:     make(map[string]bool),
		announced:    make(map[string]bool),
		lockDuration: DefaultLockDuration,
		prefetch:     64,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Send implements Broker.
func (b *AMQPBroker) Send(ctx context.Context, queue string, env *contracts.Envelope, opts SendOptions) error {
	if env == nil || env.Payload == nil {
		return contracts.ErrEmptyPayload
	}

	if opts.SessionKey != "" {
		env.SessionKey = opts.SessionKey
	}
	if opts.Priority > 0 {
		env.Priority = opts.Priority
	}

	delay := time.Duration(0)
	if now := time.Now(); opts.ScheduledFor.After(now) {
		delay = opts.ScheduledFor.Sub(now)
		t := opts.ScheduledFor
		env.ScheduledFor = &t
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	ch, err := b.senderLocked(queue)
	if err != nil {
		return err
	}
	if err := b.ensureTopologyLocked(ch, queue); err != nil {
		return err
	}

	target := queue
	announce := false
	if env.SessionKey != "" {
		target = queue + sessionQueueInfix + env.SessionKey
		if err := b.declareWorkQueueLocked(ch, target, queue); err != nil {
			return err
		}
		if !b.announced[target] {
			b.announced[target] = true
			announce = true
		}
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.CreatedAt,
		Body:          body,
	}

	exchange := ""
	routingKey := target
	if delay > 0 {
		// Scheduled delivery rides the delayed-message exchange.
		exchange = delayedExchange
		pub.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", target, err)
	}

	if announce {
		if err := b.announceSessionLocked(ctx, ch, queue, env.SessionKey); err != nil {
			b.logger.Warn("failed to announce session", "sessionKey", env.SessionKey, "error", err)
		}
	}

	return nil
}

// Receiver implements Broker.
func (b *AMQPBroker) Receiver(queue string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	if r, ok := b.receivers[queue]; ok {
		return r, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := b.ensureTopologyLocked(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	r := &amqpReceiver{broker: b, queue: queue, ch: ch, deliveries: deliveries}
	b.receivers[queue] = r
	return r, nil
}

// AcceptSession implements Broker.
func (b *AMQPBroker) AcceptSession(ctx context.Context, queue, sessionKey string) (SessionReceiver, error) {
	if sessionKey != "" {
		return b.acceptNamedSession(ctx, queue, sessionKey)
	}
	return b.acceptNextSession(ctx, queue)
}

func (b *AMQPBroker) acceptNamedSession(ctx context.Context, queue, sessionKey string) (SessionReceiver, error) {
	for {
		recv, err := b.openSession(queue, sessionKey)
		switch {
		case err == nil:
			return recv, nil
		case errors.Is(err, errSessionEmpty):
			return nil, contracts.ErrNoSessionAvailable
		case errors.Is(err, errSessionLocked):
			// Held elsewhere; wait for release.
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (b *AMQPBroker) acceptNextSession(ctx context.Context, queue string) (SessionReceiver, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	announceQueue := queue + announceQueueSuffix
	for {
		msg, ok, err := ch.Get(announceQueue, false)
		if err != nil {
			return nil, fmt.Errorf("failed to poll session announcements: %w", err)
		}

		if ok {
			sessionKey := string(msg.Body)
			recv, openErr := b.openSession(queue, sessionKey)
			switch {
			case openErr == nil:
				msg.Ack(false)
				return recv, nil
			case errors.Is(openErr, errSessionEmpty):
				// Stale announcement; drop it.
				msg.Ack(false)
				continue
			case errors.Is(openErr, errSessionLocked):
				msg.Nack(false, true)
			default:
				msg.Nack(false, true)
				return nil, openErr
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// openSession claims exclusive consumption of one session queue.
func (b *AMQPBroker) openSession(queue, sessionKey string) (*amqpSessionReceiver, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}

	sessionQueue := queue + sessionQueueInfix + sessionKey

	q, err := ch.QueueDeclarePassive(sessionQueue, true, false, false, false, workQueueArgs(queue))
	if err != nil {
		ch.Close()
		return nil, errSessionEmpty
	}
	if q.Messages == 0 {
		ch.Close()
		return nil, errSessionEmpty
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(sessionQueue, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.ResourceLocked {
			return nil, errSessionLocked
		}
		return nil, fmt.Errorf("failed to consume session %s: %w", sessionKey, err)
	}

	b.logger.Debug("session locked",
		"queue", queue,
		"sessionKey", sessionKey,
	)

	return &amqpSessionReceiver{
		broker:       b,
		queue:        queue,
		sessionQueue: sessionQueue,
		sessionKey:   sessionKey,
		ch:           ch,
		deliveries:   deliveries,
		lockedUntil:  time.Now().Add(b.lockDuration),
	}, nil
}

// Stats implements Broker. AMQP inspection covers the main queue and
// its dead-letter parking queue; per-session depth is not enumerable
// over AMQP.
func (b *AMQPBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return QueueStats{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, workQueueArgs(queue))
	if err != nil {
		return QueueStats{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	stats := QueueStats{Queue: queue, Depth: q.Messages, Consumers: q.Consumers}

	if dlq, err := ch.QueueDeclarePassive(queue+deadLetterSuffix, true, false, false, false, nil); err == nil {
		stats.DeadLetterDepth = dlq.Messages
	}

	return stats, nil
}

// Close implements Broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for queue, r := range b.receivers {
		if err := r.closeLocked(); err != nil {
			errs = append(errs, fmt.Errorf("receiver %s: %w", queue, err))
		}
	}
	for queue, ch := range b.senders {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sender %s: %w", queue, err))
		}
	}
	b.receivers = map[string]*amqpReceiver{}
	b.senders = map[string]*amqp.Channel{}

	if len(errs) > 0 {
		return fmt.Errorf("errors during broker shutdown: %v", errs)
	}
	return nil
}

func (b *AMQPBroker) senderLocked(queue string) (*amqp.Channel, error) {
	if ch, ok := b.senders[queue]; ok && !ch.IsClosed() {
		return ch, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	b.senders[queue] = ch
	return ch, nil
}

// ensureTopologyLocked declares the queue family: the work queue, its
// dead-letter parking queue, the session announcement queue, and the
// shared exchanges.
func (b *AMQPBroker) ensureTopologyLocked(ch *amqp.Channel, queue string) error {
	if b.declared[queue] {
		return nil
	}

	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(delayedExchange, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"}); err != nil {
		return fmt.Errorf("failed to declare delayed exchange: %w", err)
	}

	if err := b.declareWorkQueueLocked(ch, queue, queue); err != nil {
		return err
	}

	dlq := queue + deadLetterSuffix
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq, queue, deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(queue+announceQueueSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare announcement queue: %w", err)
	}

	b.declared[queue] = true
	return nil
}

func (b *AMQPBroker) declareWorkQueueLocked(ch *amqp.Channel, name, family string) error {
	if b.declared[name] {
		return nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, workQueueArgs(family)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, name, delayedExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to delayed exchange: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

func (b *AMQPBroker) announceSessionLocked(ctx context.Context, ch *amqp.Channel, queue, sessionKey string) error {
	return ch.PublishWithContext(ctx, "", queue+announceQueueSuffix, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(sessionKey),
	})
}

// workQueueArgs returns quorum queue arguments routing failures to the
// family's dead-letter queue. Quorum queues track delivery counts,
// which this layer reads back as the redelivery counter.
func workQueueArgs(family string) amqp.Table {
	return amqp.Table{
		"x-queue-type":               "quorum",
		"x-dead-letter-exchange":     deadLetterExchange,
		"x-dead-letter-routing-key":  family,
		"x-dead-letter-strategy":     "at-least-once",
		"x-overflow":                 "reject-publish",
	}
}

func decodeDelivery(msg *amqp.Delivery) (*Delivery, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope %s: %w", msg.MessageId, err)
	}

	count := 1
	if raw, ok := msg.Headers["x-delivery-count"]; ok {
		switch v := raw.(type) {
		case int64:
			count = int(v) + 1
		case int32:
			count = int(v) + 1
		case int:
			count = v + 1
		}
	}
	// The broker's attempt counter is authoritative under redelivery.
	env.RetryCount = count - 1

	return &Delivery{Envelope: &env, DeliveryCount: count, Token: msg}, nil
}

func tokenOf(d *Delivery) (*amqp.Delivery, error) {
	msg, ok := d.Token.(*amqp.Delivery)
	if !ok {
		return nil, fmt.Errorf("delivery %s does not belong to this broker", d.Envelope.ID)
	}
	return msg, nil
}

// amqpReceiver consumes the unordered portion of a queue.
type amqpReceiver struct {
	broker     *AMQPBroker
	queue      string
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	mu         sync.Mutex
	closed     bool
}

func (r *amqpReceiver) Fetch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}

	var out []*Delivery
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(out) < max {
		select {
		case msg, ok := <-r.deliveries:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, ErrBrokerClosed
			}
			d, err := decodeDelivery(&msg)
			if err != nil {
				// Undecodable messages are poison; park them.
				r.broker.logger.Warn("dead-lettering undecodable message",
					"queue", r.queue,
					"messageId", msg.MessageId,
					"error", err,
				)
				msg.Nack(false, false)
				continue
			}
			out = append(out, d)

		case <-timer.C:
			return out, nil

		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (r *amqpReceiver) Complete(ctx context.Context, d *Delivery) error {
	msg, err := tokenOf(d)
	if err != nil {
		return err
	}
	return msg.Ack(false)
}

func (r *amqpReceiver) Abandon(ctx context.Context, d *Delivery) error {
	msg, err := tokenOf(d)
	if err != nil {
		return err
	}

	d.Envelope.RetryCount++
	if d.Envelope.RetryCount > d.Envelope.MaxRetries {
		// Out of budget: reject without requeue routes through the DLX.
		return msg.Nack(false, false)
	}
	return msg.Nack(false, true)
}

func (r *amqpReceiver) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	msg, err := tokenOf(d)
	if err != nil {
		return err
	}

	r.broker.logger.Error("message moved to dead-letter",
		"queue", r.queue,
		"messageId", d.Envelope.ID,
		"messageType", d.Envelope.Type,
		"reason", reason,
	)
	return msg.Nack(false, false)
}

func (r *amqpReceiver) Close() error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	delete(r.broker.receivers, r.queue)
	return r.closeLocked()
}

func (r *amqpReceiver) closeLocked() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.ch.Close()
}

// amqpSessionReceiver exclusively drains one session queue. Closing
// the channel releases the claim; unacked messages are requeued by the
// broker in order.
type amqpSessionReceiver struct {
	broker       *AMQPBroker
	queue        string
	sessionQueue string
	sessionKey   string
	ch           *amqp.Channel
	deliveries   <-chan amqp.Delivery
	mu           sync.Mutex
	lockedUntil  time.Time
	closed       bool
}

func (r *amqpSessionReceiver) SessionKey() string { return r.sessionKey }

func (r *amqpSessionReceiver) Receive(ctx context.Context) (*Delivery, error) {
	if err := r.checkLock(); err != nil {
		return nil, err
	}

	for {
		select {
		case msg, ok := <-r.deliveries:
			if !ok {
				return nil, contracts.ErrSessionLockLost
			}
			d, err := decodeDelivery(&msg)
			if err != nil {
				r.broker.logger.Warn("dead-lettering undecodable message",
					"queue", r.sessionQueue,
					"messageId", msg.MessageId,
					"error", err,
				)
				msg.Nack(false, false)
				continue
			}
			return d, nil

		case <-time.After(250 * time.Millisecond):
			// Nothing buffered; an empty session queue means the
			// backlog is drained.
			q, err := r.ch.QueueDeclarePassive(r.sessionQueue, true, false, false, false, workQueueArgs(r.queue))
			if err != nil {
				return nil, contracts.ErrSessionLockLost
			}
			if q.Messages == 0 {
				return nil, contracts.ErrEndOfSession
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *amqpSessionReceiver) Complete(ctx context.Context, d *Delivery) error {
	if err := r.checkLock(); err != nil {
		return err
	}
	msg, err := tokenOf(d)
	if err != nil {
		return err
	}
	return msg.Ack(false)
}

func (r *amqpSessionReceiver) Abandon(ctx context.Context, d *Delivery) error {
	if err := r.checkLock(); err != nil {
		return err
	}
	msg, err := tokenOf(d)
	if err != nil {
		return err
	}

	d.Envelope.RetryCount++
	if d.Envelope.RetryCount > d.Envelope.MaxRetries {
		return msg.Nack(false, false)
	}
	// Requeue at the head so session order is preserved.
	return msg.Nack(false, true)
}

func (r *amqpSessionReceiver) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if err := r.checkLock(); err != nil {
		return err
	}
	msg, err := tokenOf(d)
	if err != nil {
		return err
	}

	r.broker.logger.Error("message moved to dead-letter",
		"queue", r.queue,
		"sessionKey", r.sessionKey,
		"messageId", d.Envelope.ID,
		"messageType", d.Envelope.Type,
		"reason", reason,
	)
	return msg.Nack(false, false)
}

func (r *amqpSessionReceiver) RenewLock(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.ch.IsClosed() {
		return contracts.ErrSessionLockLost
	}
	if time.Now().After(r.lockedUntil) {
		return contracts.ErrSessionLockLost
	}
	r.lockedUntil = time.Now().Add(r.broker.lockDuration)
	return nil
}

func (r *amqpSessionReceiver) LockedUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockedUntil
}

func (r *amqpSessionReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	remaining := 0
	if q, err := r.ch.QueueDeclarePassive(r.sessionQueue, true, false, false, false, workQueueArgs(r.queue)); err == nil {
		remaining = q.Messages
	}

	err := r.ch.Close()

	// Leftover backlog needs a fresh announcement so another consumer
	// picks the session up.
	if remaining > 0 {
		if ch, chErr := r.broker.conn.Channel(); chErr == nil {
			defer ch.Close()
			if pubErr := r.broker.announceSessionLocked(context.Background(), ch, r.queue, r.sessionKey); pubErr != nil {
				r.broker.logger.Warn("failed to re-announce session",
					"sessionKey", r.sessionKey,
					"error", pubErr,
				)
			}
		}
	}

	return err
}

func (r *amqpSessionReceiver) checkLock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.ch.IsClosed() {
		return contracts.ErrSessionLockLost
	}
	if time.Now().After(r.lockedUntil) {
		// Lease lapsed without renewal; drop the claim so another
		// consumer can take over.
		r.closed = true
		r.ch.Close()
		return contracts.ErrSessionLockLost
	}
	return nil
}
