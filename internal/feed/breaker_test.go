package feed_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/oddsfeed/internal/feed"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := feed.NewBreaker(5, time.Minute)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		ok, _ := b.Allow(t0)
		assert.True(t, ok)
		assert.False(t, b.Failure(t0))
		assert.Equal(t, feed.BreakerClosed, b.State())
	}
	assert.True(t, b.Failure(t0), "fifth failure opens")
	assert.Equal(t, feed.BreakerOpen, b.State())

	ok, wait := b.Allow(t0.Add(20 * time.Second))
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, wait)
}

func TestBreakerSingleHalfOpenTrial(t *testing.T) {
	b := feed.NewBreaker(1, time.Minute)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Failure(t0)

	ok, _ := b.Allow(t0.Add(time.Minute))
	assert.True(t, ok)
	assert.Equal(t, feed.BreakerHalfOpen, b.State())

	ok, _ = b.Allow(t0.Add(time.Minute))
	assert.False(t, ok, "only one trial while half open")

	assert.True(t, b.Failure(t0.Add(61*time.Second)))
	assert.Equal(t, feed.BreakerOpen, b.State())

	ok, _ = b.Allow(t0.Add(2*time.Minute + time.Second))
	assert.True(t, ok)
	b.Success()
	assert.Equal(t, feed.BreakerClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().Failures)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := feed.NewBreaker(3, time.Minute)
	now := time.Now()
	b.Failure(now)
	b.Failure(now)
	b.Success()
	b.Failure(now)
	b.Failure(now)
	assert.Equal(t, feed.BreakerClosed, b.State())
	assert.Equal(t, "CLOSED", b.Snapshot().State)
}

func TestBackoffDelay(t *testing.T) {
	b := feed.DefaultBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i), "attempt %d", i)
	}
	assert.Equal(t, 30*time.Second, b.Delay(200))
	assert.False(t, b.Exhausted(9))
	assert.True(t, b.Exhausted(10))
	assert.False(t, feed.Backoff{Base: time.Second, Cap: time.Second}.Exhausted(1000))
}

func TestLogSampler(t *testing.T) {
	s := feed.NewLogSampler(3)
	var logged []uint64
	for i := 0; i < 7; i++ {
		if ok, n := s.Sample(); ok {
			logged = append(logged, n)
		}
	}
	assert.Equal(t, []uint64{1, 3, 6}, logged)
	assert.Equal(t, uint64(7), s.Seen())
}
