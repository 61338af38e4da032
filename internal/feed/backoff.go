package feed

import "time"

// Backoff is the reconnect delay policy below the breaker threshold.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns 1s doubling up to 30s, giving up after 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10}
}

// Delay returns Base * 2^attempt, capped at Cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Cap {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether attempts has reached the give-up limit. A
// non-positive MaxAttempts never gives up.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
