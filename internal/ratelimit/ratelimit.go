// Package ratelimit throttles per-caller request rates with a fixed window.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// Remaining is the number of requests left in the current window.
	// Zero when the request was rejected.
	Remaining int
	// Reset is when the current window ends and the counter restarts.
	Reset time.Time
}

// window tracks one caller's request count inside the current fixed window.
type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window per-caller rate limiter. Windows are created
// lazily on a caller's first request and kept for the process lifetime.
//
// The window is fixed, not sliding: a burst straddling a window boundary can
// admit close to twice the nominal limit over a short span. That imprecision
// is an accepted tradeoff for the simplicity of one counter per caller.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	max      int
	duration time.Duration
	now      func() time.Time
}

// New creates a Limiter admitting at most max requests per caller per
// window duration.
func New(max int, duration time.Duration) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		max:      max,
		duration: duration,
		now:      time.Now,
	}
}

// Allow performs an atomic check-and-increment for the caller. If the
// caller has no window, or its window has elapsed, a fresh window opens
// with count 1 and the request is admitted.
func (l *Limiter) Allow(caller string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[caller]
	if !ok || now.Sub(w.start) >= l.duration {
		w = &window{start: now, count: 1}
		l.windows[caller] = w
		return Decision{Allowed: true, Remaining: l.max - 1, Reset: w.start.Add(l.duration)}
	}

	w.count++
	if w.count > l.max {
		return Decision{Allowed: false, Remaining: 0, Reset: w.start.Add(l.duration)}
	}
	return Decision{Allowed: true, Remaining: l.max - w.count, Reset: w.start.Add(l.duration)}
}

// Max returns the configured per-window request limit.
func (l *Limiter) Max() int { return l.max }

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.duration }
