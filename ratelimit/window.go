package ratelimit

import (
	"time"

	"github.com/matterline/matterline-go/contracts"
)

// Window identifies one of the four admission windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowBurst  Window = "burst"
)

// DefaultBurstWindow is the span the burst limit guards. Burst exists
// to flatten spikes, so it stays at seconds scale.
const DefaultBurstWindow = time.Second

// WindowLimit is one window's configured ceiling.
type WindowLimit struct {
	Window   Window
	Limit    int
	Duration time.Duration
}

// WindowState is one window's counter position after a reservation
// attempt. Remaining reflects the quota left after this request, or
// the unchanged quota when the request was denied.
type WindowState struct {
	Window    Window
	Limit     int
	Remaining int
	ResetAt   time.Time
	Violated  bool
}

// windowsFor expands a credential's configured limits into enforceable
// windows. Zero limits are not enforced.
func windowsFor(limits contracts.RateLimits, burstWindow time.Duration) []WindowLimit {
	windows := make([]WindowLimit, 0, 4)
	if limits.Burst > 0 {
		windows = append(windows, WindowLimit{WindowBurst, limits.Burst, burstWindow})
	}
	if limits.PerMinute > 0 {
		windows = append(windows, WindowLimit{WindowMinute, limits.PerMinute, time.Minute})
	}
	if limits.PerHour > 0 {
		windows = append(windows, WindowLimit{WindowHour, limits.PerHour, time.Hour})
	}
	if limits.PerDay > 0 {
		windows = append(windows, WindowLimit{WindowDay, limits.PerDay, 24 * time.Hour})
	}
	return windows
}
