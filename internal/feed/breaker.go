package feed

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerSnapshot is a point-in-time copy of the breaker for status output.
type BreakerSnapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
	OpenedAt    time.Time `json:"openedAt,omitempty"`
}

// Breaker gates connection attempts. It holds no timers: callers pass the
// current time and act on the returned wait. Transitions are limited to
// CLOSED->OPEN, OPEN->HALF_OPEN, HALF_OPEN->CLOSED and HALF_OPEN->OPEN.
type Breaker struct {
	threshold int
	reset     time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialTaken  bool
}

// NewBreaker returns a CLOSED breaker that opens after threshold consecutive
// failures and allows a single trial once reset has elapsed.
func NewBreaker(threshold int, reset time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 60 * time.Second
	}
	return &Breaker{threshold: threshold, reset: reset}
}

// Allow reports whether an attempt may start at now. When it may not, wait
// is the time left before the next trial becomes possible.
func (b *Breaker) Allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		remaining := b.openedAt.Add(b.reset).Sub(now)
		if remaining > 0 {
			return false, remaining
		}
		b.state = BreakerHalfOpen
		b.trialTaken = true
		return true, 0
	case BreakerHalfOpen:
		if b.trialTaken {
			return false, b.reset
		}
		b.trialTaken = true
		return true, 0
	default:
		return true, 0
	}
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trialTaken = false
}

// Failure records a failed attempt. It returns true when this failure opened
// the breaker.
func (b *Breaker) Failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = now
	switch b.state {
	case BreakerHalfOpen:
		b.open(now)
		return true
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.open(now)
			return true
		}
	}
	return false
}

func (b *Breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.trialTaken = false
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}
