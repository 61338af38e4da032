package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/feed"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeConn struct {
	mu        sync.Mutex
	subs      [][]string
	unsubs    [][]string
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Run(ctx context.Context, onFrame func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return domain.ErrWSDisconnect
		case f := <-c.frames:
			onFrame(f)
		}
	}
}

func (c *fakeConn) Subscribe(tokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, tokens)
	return nil
}

func (c *fakeConn) Unsubscribe(tokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, tokens)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) calls() ([][]string, [][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.subs...), append([][]string(nil), c.unsubs...)
}

func newTestStream(dial feed.Dialer, onTick func(domain.PriceTick), cfg feed.StreamConfig, clock *fakeClock) *feed.Stream {
	s := feed.NewStream(dial, onTick, cfg, discardLogger())
	s.Now = clock.Now
	s.Sleep = clock.Sleep
	return s
}

func TestStreamBreakerGatesReconnect(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dials []time.Time
	dial := func(context.Context, []string) (feed.Conn, error) {
		dials = append(dials, clock.Now())
		if len(dials) == 7 {
			cancel()
		}
		return nil, errors.New("connection refused")
	}

	s := newTestStream(dial, func(domain.PriceTick) {}, feed.StreamConfig{
		BreakerThreshold: 5,
		BreakerReset:     time.Minute,
		Backoff:          feed.Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 100},
	}, clock)
	var trips []int
	s.OnBreakerOpen = func(snap feed.BreakerSnapshot, _ error) { trips = append(trips, snap.Failures) }

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, dials, 7)
	// Tripped by the fifth failure, then again by the failed half-open trial.
	assert.Len(t, trips, 2)

	// Four backoff steps, then the breaker opens on the fifth failure and the
	// only waits are whole reset windows, each followed by a single trial.
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		time.Minute, time.Minute,
	}, clock.Sleeps())
	assert.Equal(t, time.Minute, dials[5].Sub(dials[4]))
	assert.Equal(t, time.Minute, dials[6].Sub(dials[5]))
}

func TestStreamBuffersWhileDisconnected(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan *fakeConn, 4)
	initials := make(chan []string, 4)
	dial := func(_ context.Context, tokens []string) (feed.Conn, error) {
		c := newFakeConn()
		initials <- tokens
		conns <- c
		return c, nil
	}

	var s *feed.Stream
	s = newTestStream(dial, func(domain.PriceTick) {}, feed.StreamConfig{}, clock)
	s.Sleep = func(ctx context.Context, d time.Duration) error {
		// Issued while disconnected: recorded only.
		s.Subscribe("d")
		return clock.Sleep(ctx, d)
	}

	s.Subscribe("a", "b")
	go func() { _ = s.Run(ctx) }()

	assert.Equal(t, []string{"a", "b"}, <-initials)
	first := <-conns
	require.Eventually(t, func() bool { return s.Status().State == "CONNECTED" }, time.Second, 5*time.Millisecond)

	s.Subscribe("c")
	s.Unsubscribe("a")
	subs, unsubs := first.calls()
	assert.Equal(t, [][]string{{"c"}}, subs)
	assert.Equal(t, [][]string{{"a"}}, unsubs)

	_ = first.Close()

	assert.Equal(t, []string{"b", "c", "d"}, <-initials, "full set in one batch on reconnect")
	second := <-conns
	subs, unsubs = second.calls()
	assert.Empty(t, subs)
	assert.Empty(t, unsubs)
	assert.Equal(t, []string{"b", "c", "d"}, s.Tokens())
}

func TestStreamForwardsTicksAndTripsOnMalformedStorm(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan *fakeConn, 4)
	dial := func(context.Context, []string) (feed.Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	}
	ticks := make(chan domain.PriceTick, 4)
	s := newTestStream(dial, func(tk domain.PriceTick) { ticks <- tk }, feed.StreamConfig{
		MalformedLimit:  3,
		MalformedWindow: time.Minute,
		LogSampleEvery:  100,
	}, clock)
	s.Subscribe("tok")
	go func() { _ = s.Run(ctx) }()

	conn := <-conns
	conn.frames <- []byte(`{"event_type":"last_trade_price","asset_id":"tok","price":"0.7"}`)
	select {
	case tk := <-ticks:
		assert.Equal(t, "tok", tk.TokenID)
		assert.InDelta(t, 0.7, tk.Price, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}

	for i := 0; i < 4; i++ {
		conn.frames <- []byte(`{garbage`)
	}
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("storm did not close the connection")
	}

	<-conns // reconnected after the storm
	st := s.Status()
	assert.Equal(t, uint64(4), st.Malformed)
}

func TestStreamParksUntilKick(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	dials := 0
	dial := func(context.Context, []string) (feed.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, errors.New("refused")
	}
	s := newTestStream(dial, func(domain.PriceTick) {}, feed.StreamConfig{
		BreakerThreshold: 10,
		Backoff:          feed.Backoff{Base: time.Second, Cap: time.Second, MaxAttempts: 2},
	}, clock)

	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Status().Parked }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()

	s.Kick()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 4
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Parked }, time.Second, 5*time.Millisecond)
}

func TestStreamResumesWhenTokenSetChanges(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var dialled [][]string
	dial := func(_ context.Context, tokens []string) (feed.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dialled = append(dialled, tokens)
		return nil, errors.New("refused")
	}
	dials := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(dialled)
	}
	s := newTestStream(dial, func(domain.PriceTick) {}, feed.StreamConfig{
		BreakerThreshold: 10,
		Backoff:          feed.Backoff{Base: time.Second, Cap: time.Second, MaxAttempts: 2},
	}, clock)
	// The initial load resumes the first park once, so the budget is spent twice.
	s.SetTokens([]string{"old"})
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Status().Parked && dials() == 4 }, time.Second, 5*time.Millisecond)
	base := dials()

	// Same set: stays parked.
	s.SetTokens([]string{"old"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, base, dials())
	assert.True(t, s.Status().Parked)

	s.SetTokens([]string{"old", "new-market-token"})
	require.Eventually(t, func() bool { return dials() >= base+2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"new-market-token", "old"}, dialled[base])
	mu.Unlock()
}

func TestStreamKeepsKickSentBeforeParking(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	dials := 0
	kicked := make(chan struct{})
	var s *feed.Stream
	dial := func(context.Context, []string) (feed.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 2 {
			// Arrives during the last attempt, before the supervisor parks.
			s.Kick()
			close(kicked)
		}
		return nil, errors.New("refused")
	}
	s = newTestStream(dial, func(domain.PriceTick) {}, feed.StreamConfig{
		BreakerThreshold: 10,
		Backoff:          feed.Backoff{Base: time.Second, Cap: time.Second, MaxAttempts: 2},
	}, clock)

	go func() { _ = s.Run(ctx) }()
	<-kicked
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 4
	}, time.Second, 5*time.Millisecond)
}
