package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/matterline/matterline-go/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderedWrite(tenantID, op string) *contracts.OrderedWrite {
	return &contracts.OrderedWrite{
		TenantID:   tenantID,
		RecordType: "matter",
		Operation:  op,
		Body:       json.RawMessage(`{}`),
	}
}

func TestEnqueueAssignsIDAndSessionKey(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "ordered-write", "firm-1", orderedWrite("firm-1", "create"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	session, err := q.ConsumeSession(ctx, "ordered-write", "firm-1")
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "ordered-write_firm1", session.SessionKey())

	d, err := session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Envelope.ID)
	assert.Equal(t, "ordered-write_firm1", d.Envelope.SessionKey)
	require.NoError(t, session.Complete(ctx, d))
}

func TestEnqueueRejectsEmptyPayload(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)

	_, err := q.Enqueue(context.Background(), "ordered-write", "firm-1", nil)
	assert.ErrorIs(t, err, contracts.ErrEmptyPayload)
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)

	_, err := q.Enqueue(context.Background(), "ordered-write", "firm-1",
		orderedWrite("firm-1", "create"), WithPriority(11))
	assert.Error(t, err)
}

func TestEnqueueScheduledInPastDeliversImmediately(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ordered-write", "firm-1",
		orderedWrite("firm-1", "create"),
		WithScheduledAt(time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	session, err := q.ConsumeSession(ctx, "ordered-write", "firm-1")
	require.NoError(t, err)
	defer session.Close()

	d, err := session.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d.Envelope.ScheduledFor, "past schedule is treated as now")
}

func TestEnqueueOptionsApplied(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ordered-write", "firm-1",
		orderedWrite("firm-1", "create"),
		WithPriority(9),
		WithMaxRetries(7),
		WithCorrelationID("corr-42"))
	require.NoError(t, err)

	session, err := q.ConsumeSession(ctx, "ordered-write", "firm-1")
	require.NoError(t, err)
	defer session.Close()

	d, err := session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, d.Envelope.Priority)
	assert.Equal(t, 7, d.Envelope.MaxRetries)
	assert.Equal(t, "corr-42", d.Envelope.CorrelationID)
}

func TestPublishSkipsSessionPartitioning(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)
	ctx := context.Background()

	id, err := q.Publish(ctx, "notifications", &contracts.EmailNotification{
		TenantID: "firm-1",
		To:       "lawyer@firm.example",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recv, err := b.Receiver("notifications")
	require.NoError(t, err)
	ds, err := recv.Fetch(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, id, ds[0].Envelope.ID)
	assert.Empty(t, ds[0].Envelope.SessionKey)
	require.NoError(t, recv.Complete(ctx, ds[0]))
}

func TestConsumeSessionEmptyBacklogReturnsNoHandle(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)

	_, err := q.ConsumeSession(context.Background(), "ordered-write", "firm-unknown")
	assert.ErrorIs(t, err, contracts.ErrNoSessionAvailable)
}

func TestSameTenantFIFOAcrossEnqueues(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	q := NewQueue(b)
	ctx := context.Background()

	var ids []string
	for _, op := range []string{"create", "update", "close"} {
		id, err := q.Enqueue(ctx, "ordered-write", "firm-1", orderedWrite("firm-1", op))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	session, err := q.ConsumeSession(ctx, "ordered-write", "firm-1")
	require.NoError(t, err)
	defer session.Close()

	for _, want := range ids {
		d, err := session.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.Envelope.ID)
		require.NoError(t, session.Complete(ctx, d))
	}

	_, err = session.Receive(ctx)
	assert.ErrorIs(t, err, contracts.ErrEndOfSession)
}

func TestSessionHeartbeatKeepsLockAlive(t *testing.T) {
	b := broker.NewMemoryBroker(broker.WithLockDuration(200 * time.Millisecond))
	defer b.Close()
	q := NewQueue(b, WithQueueLockDuration(200*time.Millisecond))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ordered-write", "firm-1", orderedWrite("firm-1", "create"))
	require.NoError(t, err)

	session, err := q.ConsumeSession(ctx, "ordered-write", "firm-1")
	require.NoError(t, err)
	defer session.Close()

	// Sleep well past the lease; the heartbeat must have renewed it.
	time.Sleep(500 * time.Millisecond)

	d, err := session.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, session.Complete(ctx, d))
}
