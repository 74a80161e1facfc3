package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryCounterStore keeps window counters in process memory. Fixed
// windows are anchored at the credential's first request and roll over
// once their duration elapses; the burst window is a token bucket.
// Suitable for single-process deployments and tests; multi-process
// deployments need the Redis store so all gates share counters.
type MemoryCounterStore struct {
	mu    sync.Mutex
	creds map[string]*credentialCounters
}

type credentialCounters struct {
	mu      sync.Mutex
	windows map[Window]*fixedWindow
	burst   *rate.Limiter
}

type fixedWindow struct {
	start time.Time
	count int
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		creds: make(map[string]*credentialCounters),
	}
}

// Reserve implements CounterStore. The per-credential mutex makes the
// whole check-and-increment atomic against concurrent callers.
func (s *MemoryCounterStore) Reserve(ctx context.Context, credentialID string, windows []WindowLimit, now time.Time) (bool, []WindowState, error) {
	cc := s.counters(credentialID)

	cc.mu.Lock()
	defer cc.mu.Unlock()

	states := make([]WindowState, 0, len(windows))
	allowed := true

	for _, w := range windows {
		if w.Window == WindowBurst {
			state, ok := cc.peekBurst(w, now)
			states = append(states, state)
			if !ok {
				allowed = false
			}
			continue
		}

		fw := cc.window(w, now)
		state := WindowState{
			Window:    w.Window,
			Limit:     w.Limit,
			Remaining: w.Limit - fw.count,
			ResetAt:   fw.start.Add(w.Duration),
		}
		if fw.count >= w.Limit {
			state.Remaining = 0
			state.Violated = true
			allowed = false
		}
		states = append(states, state)
	}

	if !allowed {
		return false, states, nil
	}

	// Every window has room; consume a slot from each.
	for i, w := range windows {
		if w.Window == WindowBurst {
			cc.burst.AllowN(now, 1)
			states[i].Remaining = max(int(cc.burst.TokensAt(now)), 0)
			continue
		}
		fw := cc.windows[w.Window]
		fw.count++
		states[i].Remaining = w.Limit - fw.count
	}

	return true, states, nil
}

func (s *MemoryCounterStore) counters(credentialID string) *credentialCounters {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc, ok := s.creds[credentialID]
	if !ok {
		cc = &credentialCounters{windows: make(map[Window]*fixedWindow)}
		s.creds[credentialID] = cc
	}
	return cc
}

// window returns the credential's counter for a fixed window, rolling
// it over when its span has elapsed.
func (cc *credentialCounters) window(w WindowLimit, now time.Time) *fixedWindow {
	fw, ok := cc.windows[w.Window]
	if !ok {
		fw = &fixedWindow{start: now}
		cc.windows[w.Window] = fw
	}
	if now.Sub(fw.start) >= w.Duration {
		fw.start = now
		fw.count = 0
	}
	return fw
}

// peekBurst reports whether the token bucket has a slot without
// consuming it.
func (cc *credentialCounters) peekBurst(w WindowLimit, now time.Time) (WindowState, bool) {
	if cc.burst == nil {
		cc.burst = rate.NewLimiter(rate.Every(w.Duration/time.Duration(w.Limit)), w.Limit)
	}

	tokens := int(cc.burst.TokensAt(now))
	state := WindowState{
		Window:    w.Window,
		Limit:     w.Limit,
		Remaining: max(tokens, 0),
		ResetAt:   now.Add(w.Duration / time.Duration(w.Limit)),
	}
	if tokens < 1 {
		state.Remaining = 0
		state.Violated = true
		return state, false
	}
	return state, true
}
