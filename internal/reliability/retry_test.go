package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		calls++
		return PermanentError{Err: errors.New("bad request")}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
		return errors.New("never reached on cancelled context")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponentialBackoffDelayGrowsAndCaps(t *testing.T) {
	p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
	p.Jitter = false

	ok, d0 := p.ShouldRetry(0, errors.New("x"))
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d0)

	_, d2 := p.ShouldRetry(2, errors.New("x"))
	assert.Equal(t, 400*time.Millisecond, d2)

	_, d9 := p.ShouldRetry(9, errors.New("x"))
	assert.Equal(t, time.Second, d9, "delay capped at MaxInterval")
}

func TestExponentialBackoffStopsAtAttemptCeiling(t *testing.T) {
	p := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)
	ok, _ := p.ShouldRetry(3, errors.New("x"))
	assert.False(t, ok)
}
