// Package reliability provides retry policies for transient
// infrastructure failures: broker accepts, store round-trips, and the
// reconnect paths that sit under the messaging layer. Message-level
// retry is not handled here; that is the broker's redelivery counter.
package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy decides whether an attempt should be retried and after how
// long.
type Policy interface {
	// ShouldRetry reports whether another attempt is allowed and the
	// delay before it.
	ShouldRetry(attempt int, err error) (bool, time.Duration)

	// MaxAttempts returns the attempt ceiling.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay geometrically with jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with
// jitter enabled.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
		Jitter:          true,
	}
}

// ShouldRetry implements Policy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts || !isRetryable(err) {
		return false, 0
	}
	return true, e.delay(attempt)
}

// MaxAttempts implements Policy.
func (e *ExponentialBackoff) MaxAttempts() int { return e.Attempts }

func (e *ExponentialBackoff) delay(attempt int) time.Duration {
	d := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if d > float64(e.MaxInterval) {
		d = float64(e.MaxInterval)
	}
	if e.Jitter {
		d = d * (0.85 + rand.Float64()*0.3)
	}
	return time.Duration(d)
}

// FixedDelay retries a fixed number of times with a constant delay.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: attempts}
}

// ShouldRetry implements Policy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Attempts || !isRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements Policy.
func (f *FixedDelay) MaxAttempts() int { return f.Attempts }

// Retry runs fn until it succeeds, the policy gives up, or the
// context is cancelled.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		ok, delay := policy.ShouldRetry(attempt, lastErr)
		if !ok {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryable honors errors that declare their own retryability and
// assumes transient otherwise.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if r, ok := err.(interface{ IsRetryable() bool }); ok {
		return r.IsRetryable()
	}
	return true
}

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (p PermanentError) Error() string { return p.Err.Error() }

// IsRetryable implements the retryability probe.
func (p PermanentError) IsRetryable() bool { return false }

// Unwrap returns the wrapped error.
func (p PermanentError) Unwrap() error { return p.Err }
