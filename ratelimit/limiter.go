package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matterline/matterline-go/contracts"
)

// CounterStore holds per-credential window counters. Reserve is an
// all-or-nothing reservation: it increments every window's counter
// when the request fits inside every limit, and mutates nothing when
// any window is exceeded. Two concurrent callers competing for the
// last slot must never both see it granted.
type CounterStore interface {
	Reserve(ctx context.Context, credentialID string, windows []WindowLimit, now time.Time) (bool, []WindowState, error)
}

// Decision is the outcome of a rate limit check. When denied it
// describes the most restrictive violated window; when allowed, the
// window closest to exhaustion, so callers can always attach
// informative headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    Window
}

// RetryAfter returns whole seconds until the decision's window resets,
// rounded up. It is zero once the reset instant has passed.
func (d Decision) RetryAfter(now time.Time) int {
	until := d.ResetAt.Sub(now)
	if until <= 0 {
		return 0
	}
	return int((until + time.Second - 1) / time.Second)
}

// Limiter evaluates a credential's four admission windows.
type Limiter struct {
	store       CounterStore
	burstWindow time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// LimiterOption configures the Limiter.
type LimiterOption func(*Limiter)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithBurstWindow overrides the span the burst limit guards.
func WithBurstWindow(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.burstWindow = d
		}
	}
}

// WithLimiterClock overrides time for tests.
func WithLimiterClock(clock func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// NewLimiter creates a limiter over a counter store.
func NewLimiter(store CounterStore, options ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store cannot be nil")
	}

	l := &Limiter{
		store:       store,
		burstWindow: DefaultBurstWindow,
		clock:       time.Now,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(l)
	}

	return l, nil
}

// Check reserves one request slot across every configured window of
// the credential. A credential with no configured windows is always
// allowed.
func (l *Limiter) Check(ctx context.Context, cred *contracts.Credential, clientAddr string) (Decision, error) {
	if cred == nil {
		return Decision{}, fmt.Errorf("credential cannot be nil")
	}

	now := l.clock()
	windows := windowsFor(cred.RateLimits, l.burstWindow)
	if len(windows) == 0 {
		return Decision{Allowed: true}, nil
	}

	allowed, states, err := l.store.Reserve(ctx, cred.ID, windows, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit reservation failed: %w", err)
	}

	decision := pickDecision(allowed, states)
	if !allowed {
		l.logger.Warn("rate limit exceeded",
			"credentialId", cred.ID,
			"tenantId", cred.TenantID,
			"clientAddr", clientAddr,
			"window", decision.Window,
			"limit", decision.Limit,
		)
	}
	return decision, nil
}

// pickDecision reduces per-window states to the single window the
// caller reports on. Denied: the violated window that blocks longest.
// Allowed: the window with the smallest remaining fraction.
func pickDecision(allowed bool, states []WindowState) Decision {
	var pick WindowState
	if allowed {
		bestFraction := 2.0
		for _, s := range states {
			f := float64(s.Remaining) / float64(s.Limit)
			if f < bestFraction {
				bestFraction = f
				pick = s
			}
		}
	} else {
		for _, s := range states {
			if !s.Violated {
				continue
			}
			if pick.Window == "" || s.ResetAt.After(pick.ResetAt) {
				pick = s
			}
		}
	}

	return Decision{
		Allowed:   allowed,
		Limit:     pick.Limit,
		Remaining: pick.Remaining,
		ResetAt:   pick.ResetAt,
		Window:    pick.Window,
	}
}
