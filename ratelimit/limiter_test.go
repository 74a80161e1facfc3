package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matterline/matterline-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credWithLimits(limits contracts.RateLimits) *contracts.Credential {
	return &contracts.Credential{
		ID:         "cred-1",
		TenantID:   "firm-1",
		Status:     contracts.CredentialActive,
		RateLimits: limits,
	}
}

func newTestLimiter(t *testing.T, clock func() time.Time) *Limiter {
	t.Helper()
	opts := []LimiterOption{}
	if clock != nil {
		opts = append(opts, WithLimiterClock(clock))
	}
	l, err := NewLimiter(NewMemoryCounterStore(), opts...)
	require.NoError(t, err)
	return l
}

func TestMinuteWindowAllowsLimitThenDenies(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	l := newTestLimiter(t, func() time.Time { return now })
	cred := credWithLimits(contracts.RateLimits{PerMinute: 5})
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		now = now.Add(time.Second)
		d, err := l.Check(ctx, cred, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 5, d.Limit)
		assert.Equal(t, want, d.Remaining)
		assert.Equal(t, WindowMinute, d.Window)
	}

	now = now.Add(time.Second)
	d, err := l.Check(ctx, cred, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, WindowMinute, d.Window)
	assert.True(t, d.ResetAt.Sub(base) <= time.Minute+time.Second,
		"window resets within a minute of the first request")
	assert.Positive(t, d.RetryAfter(now))
}

func TestDeniedRequestsConsumeNoQuota(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	l := newTestLimiter(t, func() time.Time { return now })
	cred := credWithLimits(contracts.RateLimits{PerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, cred, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// Hammering a closed window must not extend the lockout.
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, cred, "10.0.0.1")
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	now = base.Add(61 * time.Second)
	d, err := l.Check(ctx, cred, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window rolled over despite the rejected burst")
	assert.Equal(t, 1, d.Remaining)
}

func TestLastSlotGrantedExactlyOnce(t *testing.T) {
	l := newTestLimiter(t, nil)
	cred := credWithLimits(contracts.RateLimits{PerMinute: 1})
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	results := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := l.Check(ctx, cred, "10.0.0.1")
			require.NoError(t, err)
			results[i] = d.Allowed
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, ok := range results {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 1, granted, "concurrent callers must not share the last slot")
}

func TestMostRestrictiveViolatedWindowWins(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	l := newTestLimiter(t, func() time.Time { return now })
	cred := credWithLimits(contracts.RateLimits{PerMinute: 2, PerHour: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, cred, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// Both minute and hour are exhausted; the hour blocks longer.
	d, err := l.Check(ctx, cred, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowHour, d.Window)
}

func TestAllowedDecisionReportsTightestWindow(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	l := newTestLimiter(t, func() time.Time { return now })
	cred := credWithLimits(contracts.RateLimits{PerMinute: 10, PerDay: 100})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := l.Check(ctx, cred, "10.0.0.1")
		require.NoError(t, err)
	}

	d, err := l.Check(ctx, cred, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, WindowMinute, d.Window, "minute is closer to exhaustion than day")
	assert.Equal(t, 0, d.Remaining)
}

func TestBurstWindowFlattensSpikes(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	l, err := NewLimiter(NewMemoryCounterStore(), WithLimiterClock(func() time.Time { return now }))
	require.NoError(t, err)
	cred := credWithLimits(contracts.RateLimits{PerMinute: 1000, Burst: 3})
	ctx := context.Background()

	// A burst of 3 in the same instant passes; the 4th is shed even
	// though the minute window has ample room.
	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, cred, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "burst slot %d", i)
	}

	d, err := l.Check(ctx, cred, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowBurst, d.Window)

	// Tokens refill; a second later the credential may proceed.
	now = now.Add(time.Second)
	d, err = l.Check(ctx, cred, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNoConfiguredWindowsAlwaysAllowed(t *testing.T) {
	l := newTestLimiter(t, nil)
	cred := credWithLimits(contracts.RateLimits{})

	for i := 0; i < 100; i++ {
		d, err := l.Check(context.Background(), cred, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestCredentialsAreIsolated(t *testing.T) {
	l := newTestLimiter(t, nil)
	ctx := context.Background()

	a := credWithLimits(contracts.RateLimits{PerMinute: 1})
	b := &contracts.Credential{ID: "cred-2", TenantID: "firm-2",
		Status: contracts.CredentialActive, RateLimits: contracts.RateLimits{PerMinute: 1}}

	d, err := l.Check(ctx, a, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Check(ctx, a, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Check(ctx, b, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one credential's exhaustion never affects another")
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	d := Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	assert.Equal(t, 2, d.RetryAfter(now))

	d = Decision{ResetAt: now.Add(-time.Second)}
	assert.Equal(t, 0, d.RetryAfter(now))
}

func TestNewLimiterValidation(t *testing.T) {
	_, err := NewLimiter(nil)
	assert.Error(t, err)
}
