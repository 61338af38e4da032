package history

import (
	"sync"
	"time"
)

// Throttle admits at most one write per key within a minimum interval. It is
// safe for concurrent use.
type Throttle struct {
	last map[string]time.Time // token id -> time of last admitted write
	min  time.Duration
	mu   sync.Mutex
}

// NewThrottle creates a Throttle with the given minimum interval.
func NewThrottle(min time.Duration) *Throttle {
	return &Throttle{
		last: make(map[string]time.Time),
		min:  min,
	}
}

// Acquire reports whether a write for key may go ahead at now. When it may,
// the slot is taken and the previous slot time is returned for Release.
func (t *Throttle) Acquire(key string, now time.Time) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.last[key]
	if ok && now.Sub(prev) < t.min {
		return false, time.Time{}
	}
	t.last[key] = now
	return true, prev
}

// Release gives back a slot taken at taken, restoring prev. It is a no-op
// when another write has taken the slot since.
func (t *Throttle) Release(key string, taken, prev time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.last[key]; !ok || !cur.Equal(taken) {
		return
	}
	if prev.IsZero() {
		delete(t.last, key)
		return
	}
	t.last[key] = prev
}

// Cleanup drops keys whose last write is older than the interval.
func (t *Throttle) Cleanup(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, ts := range t.last {
		if now.Sub(ts) >= t.min {
			delete(t.last, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
