package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/matterline/matterline-go/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emailPayload(to string) *contracts.EmailNotification {
	return &contracts.EmailNotification{
		TenantID: "firm-1",
		To:       to,
		Subject:  "matter update",
		Body:     "a filing deadline moved",
	}
}

func enqueueEmail(t *testing.T, b *broker.MemoryBroker, queue, to string) string {
	t.Helper()
	env, err := contracts.NewEnvelope(emailPayload(to))
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), queue, env, broker.SendOptions{}))
	return env.ID
}

func drainInBackground(t *testing.T, c *BatchConsumer, queue string) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Drain(ctx, queue)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestBatchConsumerProcessesChunk(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	var mu sync.Mutex
	seen := map[string]bool{}

	table := NewDispatchTable()
	require.NoError(t, table.RegisterFunc(contracts.PayloadEmailNotification,
		func(ctx context.Context, env *contracts.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			seen[env.ID] = true
			return nil
		}))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueueEmail(t, b, "notifications", "lawyer@firm.example"))
	}

	c, err := NewBatchConsumer(b, table,
		WithBatchSize(3),
		WithBatchWindow(50*time.Millisecond))
	require.NoError(t, err)
	drainInBackground(t, c, "notifications")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, 5*time.Second, 20*time.Millisecond)

	stats, err := b.Stats(context.Background(), "notifications")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth, "all messages acknowledged")
}

func TestBatchConsumerIsolatesFailures(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	var processed atomic.Int64
	table := NewDispatchTable()
	require.NoError(t, table.RegisterFunc(contracts.PayloadEmailNotification,
		func(ctx context.Context, env *contracts.Envelope) error {
			write := env.Payload.(*contracts.EmailNotification)
			if write.To == "poison@firm.example" {
				return errors.New("smtp relay refused the address")
			}
			processed.Add(1)
			return nil
		}))

	enqueueEmail(t, b, "notifications", "ok-1@firm.example")
	enqueueEmail(t, b, "notifications", "poison@firm.example")
	enqueueEmail(t, b, "notifications", "ok-2@firm.example")

	c, err := NewBatchConsumer(b, table,
		WithBatchSize(3),
		WithBatchWindow(50*time.Millisecond))
	require.NoError(t, err)
	drainInBackground(t, c, "notifications")

	// Healthy siblings complete despite the poison message, which
	// keeps failing until its retry budget routes it to dead-letter.
	require.Eventually(t, func() bool {
		return processed.Load() == 2 && len(b.DeadLetters("notifications")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	dead := b.DeadLetters("notifications")
	email := dead[0].Envelope.Payload.(*contracts.EmailNotification)
	assert.Equal(t, "poison@firm.example", email.To)
}

func TestBatchConsumerRecoversFromHandlerPanic(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	table := NewDispatchTable()
	require.NoError(t, table.RegisterFunc(contracts.PayloadEmailNotification,
		func(ctx context.Context, env *contracts.Envelope) error {
			panic("template render blew up")
		}))

	enqueueEmail(t, b, "notifications", "lawyer@firm.example")

	c, err := NewBatchConsumer(b, table,
		WithBatchSize(1),
		WithBatchWindow(50*time.Millisecond))
	require.NoError(t, err)
	drainInBackground(t, c, "notifications")

	// Panics behave like handler errors and eventually dead-letter.
	require.Eventually(t, func() bool {
		return len(b.DeadLetters("notifications")) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBatchConsumerAcknowledgesUnknownTypes(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	// No handler registered for email payloads.
	table := NewDispatchTable()

	enqueueEmail(t, b, "notifications", "lawyer@firm.example")

	c, err := NewBatchConsumer(b, table,
		WithBatchSize(1),
		WithBatchWindow(50*time.Millisecond))
	require.NoError(t, err)
	drainInBackground(t, c, "notifications")

	require.Eventually(t, func() bool {
		stats, err := b.Stats(context.Background(), "notifications")
		return err == nil && stats.Depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Empty(t, b.DeadLetters("notifications"), "unknown types are acknowledged, not retried")
}

func TestBatchConsumerRespectsConcurrencyLimit(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	var inflight, peak atomic.Int64
	table := NewDispatchTable()
	require.NoError(t, table.RegisterFunc(contracts.PayloadEmailNotification,
		func(ctx context.Context, env *contracts.Envelope) error {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			return nil
		}))

	for i := 0; i < 10; i++ {
		enqueueEmail(t, b, "notifications", "lawyer@firm.example")
	}

	c, err := NewBatchConsumer(b, table,
		WithBatchSize(10),
		WithBatchWindow(50*time.Millisecond),
		WithBatchConcurrency(2))
	require.NoError(t, err)
	drainInBackground(t, c, "notifications")

	require.Eventually(t, func() bool {
		stats, err := b.Stats(context.Background(), "notifications")
		return err == nil && stats.Depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestBatchConsumerRejectsDoubleDrain(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	c, err := NewBatchConsumer(b, NewDispatchTable(), WithBatchWindow(50*time.Millisecond))
	require.NoError(t, err)

	// Declare the queue so Receiver succeeds.
	env, err := contracts.NewEnvelope(emailPayload("lawyer@firm.example"))
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "notifications", env, broker.SendOptions{}))

	drainInBackground(t, c, "notifications")

	require.Eventually(t, func() bool {
		return c.Drain(context.Background(), "notifications") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewBatchConsumerValidation(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	_, err := NewBatchConsumer(nil, NewDispatchTable())
	assert.Error(t, err)
	_, err = NewBatchConsumer(b, nil)
	assert.Error(t, err)
}

func TestDispatchTableRoutesByType(t *testing.T) {
	table := NewDispatchTable()

	var gotEmail, gotSMS bool
	require.NoError(t, table.RegisterFunc(contracts.PayloadEmailNotification,
		func(ctx context.Context, env *contracts.Envelope) error {
			gotEmail = true
			return nil
		}))
	require.NoError(t, table.RegisterFunc(contracts.PayloadSMSNotification,
		func(ctx context.Context, env *contracts.Envelope) error {
			gotSMS = true
			return nil
		}))

	env, err := contracts.NewEnvelope(emailPayload("lawyer@firm.example"))
	require.NoError(t, err)
	require.NoError(t, table.Dispatch(context.Background(), env))

	assert.True(t, gotEmail)
	assert.False(t, gotSMS)
	assert.ElementsMatch(t,
		[]string{contracts.PayloadEmailNotification, contracts.PayloadSMSNotification},
		table.RegisteredTypes())
}

func TestDispatchTableRejectsDuplicateRegistration(t *testing.T) {
	table := NewDispatchTable()
	noop := PayloadHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error { return nil })

	require.NoError(t, table.Register(contracts.PayloadEmailNotification, noop))
	assert.Error(t, table.Register(contracts.PayloadEmailNotification, noop))
	assert.Error(t, table.Register("", noop))
	assert.Error(t, table.Register(contracts.PayloadSMSNotification, nil))
}

func TestDispatchTableUnknownType(t *testing.T) {
	table := NewDispatchTable()

	env := &contracts.Envelope{
		ID:      "m-1",
		Type:    "never-registered",
		Payload: &contracts.UnknownPayload{Type: "never-registered", Raw: json.RawMessage(`{}`)},
	}

	err := table.Dispatch(context.Background(), env)
	var unknown *ErrUnknownPayloadType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "never-registered", unknown.Type)
	assert.False(t, unknown.IsRetryable())
}
