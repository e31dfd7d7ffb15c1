package quota

import (
	"sync"
	"time"
)

// WindowLimiter is a fixed-window counter keyed by peer address, used for the
// public sandbox endpoint (3/hour by default). Independent from the daily
// free-tier counters and never persisted.
type WindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	count   int
	startAt time.Time
}

// NewWindowLimiter allows max requests per key per period.
func NewWindowLimiter(max int, period time.Duration) *WindowLimiter {
	wl := &WindowLimiter{
		windows: make(map[string]*window),
		max:     max,
		period:  period,
		now:     time.Now,
	}
	go wl.cleanupLoop()
	return wl
}

// Allow records a request against key, returning false once the window cap
// is hit.
func (wl *WindowLimiter) Allow(key string) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := wl.now()
	w, ok := wl.windows[key]
	if !ok || now.Sub(w.startAt) > wl.period {
		wl.windows[key] = &window{count: 1, startAt: now}
		return true
	}
	w.count++
	return w.count <= wl.max
}

// cleanupLoop garbage-collects expired windows to keep the map bounded.
func (wl *WindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		wl.mu.Lock()
		now := wl.now()
		for key, w := range wl.windows {
			if now.Sub(w.startAt) > 2*wl.period {
				delete(wl.windows, key)
			}
		}
		wl.mu.Unlock()
	}
}
