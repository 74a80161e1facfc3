package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "11111111-1111-4111-8111-111111111111"

func newTestCache(t *testing.T, clock func() time.Time, options ...CacheOption) *Cache {
	t.Helper()
	if clock != nil {
		options = append(options, WithCacheClock(clock))
	}
	c, err := NewCache(NewMemoryStore(), options...)
	require.NoError(t, err)
	return c
}

func TestIsValidKey(t *testing.T) {
	assert.True(t, IsValidKey(testKey))
	assert.False(t, IsValidKey("not-a-uuid"))
	assert.False(t, IsValidKey(""))
	// Valid UUID but version 1.
	assert.False(t, IsValidKey("11111111-1111-1111-8111-111111111111"))
}

func TestIdenticalRetryReplaysStoredResponse(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	body := []byte(`{"matter":"m-77"}`)

	// First submission: a miss, then the handler's response is stored.
	cached, err := c.Check(ctx, "firm-1", testKey, "POST", "/v1/matters", body)
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, c.Store(ctx, "firm-1", testKey, "POST", "/v1/matters", body,
		201, []byte(`{"id":"rec-1"}`)))

	// Identical retry two seconds later replays the original.
	cached, err = c.Check(ctx, "firm-1", testKey, "POST", "/v1/matters", body)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 201, cached.Status)
	assert.JSONEq(t, `{"id":"rec-1"}`, string(cached.Body))
}

func TestKeyReuseWithDifferentRequestConflicts(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "firm-1", testKey, "POST", "/v1/matters",
		[]byte(`{"matter":"m-77"}`), 201, []byte(`{"id":"rec-1"}`)))

	// Same key, different body.
	_, err := c.Check(ctx, "firm-1", testKey, "POST", "/v1/matters",
		[]byte(`{"matter":"m-78"}`))
	assert.ErrorIs(t, err, ErrKeyReuse)

	// Same key, different path.
	_, err = c.Check(ctx, "firm-1", testKey, "POST", "/v1/contacts",
		[]byte(`{"matter":"m-77"}`))
	assert.ErrorIs(t, err, ErrKeyReuse)
}

func TestExpiredRecordIsAMiss(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	c := newTestCache(t, func() time.Time { return now }, WithTTL(time.Hour))
	ctx := context.Background()
	body := []byte(`{}`)

	require.NoError(t, c.Store(ctx, "firm-1", testKey, "POST", "/v1/matters", body,
		201, []byte(`{"id":"rec-1"}`)))

	now = base.Add(2 * time.Hour)
	cached, err := c.Check(ctx, "firm-1", testKey, "POST", "/v1/matters", body)
	require.NoError(t, err)
	assert.Nil(t, cached, "expired record behaves like a fresh key, not a conflict")

	// The lapsed key may even be rebound to a different request.
	_, err = c.Check(ctx, "firm-1", testKey, "PUT", "/v1/matters/m-77", body)
	assert.NoError(t, err)
}

func TestKeysAreTenantScoped(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	body := []byte(`{}`)

	require.NoError(t, c.Store(ctx, "firm-1", testKey, "POST", "/v1/matters", body,
		201, []byte(`{"id":"rec-1"}`)))

	cached, err := c.Check(ctx, "firm-2", testKey, "POST", "/v1/matters", body)
	require.NoError(t, err)
	assert.Nil(t, cached, "another tenant's identical key is independent")
}

func TestInvalidKeyRejected(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	_, err := c.Check(ctx, "firm-1", "nope", "POST", "/v1/matters", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = c.Store(ctx, "firm-1", "nope", "POST", "/v1/matters", nil, 201, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestConcurrentDuplicatesLastStoreWins(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	body := []byte(`{}`)

	// Two in-flight duplicates both missed the cache and both stored;
	// the later store is what subsequent retries replay.
	require.NoError(t, c.Store(ctx, "firm-1", testKey, "POST", "/v1/matters", body,
		201, []byte(`{"id":"rec-1"}`)))
	require.NoError(t, c.Store(ctx, "firm-1", testKey, "POST", "/v1/matters", body,
		201, []byte(`{"id":"rec-2"}`)))

	cached, err := c.Check(ctx, "firm-1", testKey, "POST", "/v1/matters", body)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.JSONEq(t, `{"id":"rec-2"}`, string(cached.Body))
}

func TestExpiredReadKeepsConcurrentFreshPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// A reader that saw the expired record races a Put of the key's
	// replacement; the replacement must survive every interleaving.
	for i := 0; i < 200; i++ {
		stale := &Record{
			TenantID:  "firm-1",
			Key:       testKey,
			ExpiresAt: time.Now().Add(-time.Minute),
		}
		s.mu.Lock()
		s.records[recordKey("firm-1", testKey)] = stale
		s.mu.Unlock()

		fresh := &Record{
			TenantID:     "firm-1",
			Key:          testKey,
			Fingerprint:  "fp-fresh",
			Status:       201,
			ResponseBody: []byte(`{"id":"rec-1"}`),
			ExpiresAt:    time.Now().Add(time.Hour),
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = s.Get(ctx, "firm-1", testKey)
		}()
		require.NoError(t, s.Put(ctx, fresh, time.Hour))
		<-done

		got, err := s.Get(ctx, "firm-1", testKey)
		require.NoError(t, err)
		require.NotNil(t, got, "fresh record lost to a stale delete")
		assert.Equal(t, "fp-fresh", got.Fingerprint)
	}
}

func TestNewCacheValidation(t *testing.T) {
	_, err := NewCache(nil)
	assert.Error(t, err)
}
