// Package ratelimit provides a sliding-window call counter.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow records call timestamps and answers whether another call
// fits under a limit within a trailing window. The limit and window are
// passed on every check so they can follow a mutable policy.
type SlidingWindow struct {
	mu    sync.Mutex
	calls []time.Time
}

// NewSlidingWindow creates an empty window.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{}
}

// Check prunes timestamps older than window and reports whether one more
// call would stay within limit. It does not record anything. A limit or
// window <= 0 always allows.
func (w *SlidingWindow) Check(now time.Time, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, window)
	return len(w.calls) < limit
}

// Record appends a call timestamp.
func (w *SlidingWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, now)
}

// Len returns the number of calls inside the window ending at now.
func (w *SlidingWindow) Len(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if window > 0 {
		w.pruneLocked(now, window)
	}
	return len(w.calls)
}

// RetryAfter returns how long until the oldest call leaves the window, or
// zero if a call would be allowed now.
func (w *SlidingWindow) RetryAfter(now time.Time, limit int, window time.Duration) time.Duration {
	if limit <= 0 || window <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, window)
	if len(w.calls) < limit {
		return 0
	}
	return w.calls[len(w.calls)-limit].Add(window).Sub(now)
}

// pruneLocked drops timestamps at or before now-window. Timestamps are
// appended in order, so the survivors are a suffix.
func (w *SlidingWindow) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}
