package queue

import (
	"sync"
	"time"
)

// slidingWindow allows at most max events in any trailing window.
type slidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events []time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &slidingWindow{max: max, window: window}
}

// Allow records an event at now and returns true if it fits in the window.
func (w *slidingWindow) Allow(now time.Time) bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	w.events = w.events[i:]
	if len(w.events) >= w.max {
		return false
	}
	w.events = append(w.events, now)
	return true
}
