package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/platform/polymarket"
)

// ConnState is the per-connection state of the stream.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// errMalformedStorm ends a connection that is delivering mostly garbage.
var errMalformedStorm = errors.New("feed: malformed message storm")

// Conn is one live venue connection.
type Conn interface {
	Run(ctx context.Context, onFrame func([]byte)) error
	Subscribe(tokens []string) error
	Unsubscribe(tokens []string) error
	Close() error
}

// Dialer opens a connection already subscribed to tokens.
type Dialer func(ctx context.Context, tokens []string) (Conn, error)

// StreamConfig tunes the supervisor.
type StreamConfig struct {
	BreakerThreshold int
	BreakerReset     time.Duration
	Backoff          Backoff
	MalformedLimit   int
	MalformedWindow  time.Duration
	LogSampleEvery   int
}

// StreamStatus is reported on the status endpoint.
type StreamStatus struct {
	State     string          `json:"state"`
	Tokens    int             `json:"tokens"`
	Attempts  int             `json:"attempts"`
	Parked    bool            `json:"parked"`
	Malformed uint64          `json:"malformed"`
	Breaker   BreakerSnapshot `json:"breaker"`
}

// Stream supervises the venue connection: it tracks the subscribed token set,
// reconnects through the breaker and backoff policy, and hands decoded ticks
// to onTick.
type Stream struct {
	dial    Dialer
	onTick  func(domain.PriceTick)
	breaker *Breaker
	backoff Backoff
	logger  *slog.Logger

	malformedLimit  int
	malformedWindow time.Duration
	malformed       *LogSampler

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnBreakerOpen, when set, runs on the supervisor goroutine each time the
	// breaker trips. It must not block.
	OnBreakerOpen func(snap BreakerSnapshot, cause error)

	kick chan struct{}

	mu       sync.Mutex
	tokens   map[string]struct{}
	sent     map[string]struct{} // token set known to the live connection
	conn     Conn
	state    ConnState
	attempts int
	parked   bool
}

// NewStream creates a supervisor. onTick must not block.
func NewStream(dial Dialer, onTick func(domain.PriceTick), cfg StreamConfig, logger *slog.Logger) *Stream {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MalformedLimit <= 0 {
		cfg.MalformedLimit = 50
	}
	if cfg.MalformedWindow <= 0 {
		cfg.MalformedWindow = 10 * time.Second
	}
	return &Stream{
		dial:            dial,
		onTick:          onTick,
		breaker:         NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		backoff:         cfg.Backoff,
		logger:          logger.With(slog.String("component", "stream")),
		malformedLimit:  cfg.MalformedLimit,
		malformedWindow: cfg.MalformedWindow,
		malformed:       NewLogSampler(cfg.LogSampleEvery),
		Now:             time.Now,
		Sleep:           sleepCtx,
		kick:            make(chan struct{}, 1),
		tokens:          make(map[string]struct{}),
	}
}

// Breaker exposes the stream's breaker.
func (s *Stream) Breaker() *Breaker { return s.breaker }

// Subscribe adds tokens. While disconnected the change is only recorded; the
// full set goes out in one batch on the next connect.
func (s *Stream) Subscribe(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		if t != "" {
			s.tokens[t] = struct{}{}
		}
	}
	s.syncLocked()
}

// Unsubscribe removes tokens.
func (s *Stream) Unsubscribe(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		delete(s.tokens, t)
	}
	s.syncLocked()
}

// SetTokens replaces the whole token set. A changed set also resumes a
// supervisor that gave up, so newly active markets are picked up.
func (s *Stream) SetTokens(tokens []string) {
	s.mu.Lock()
	next := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			next[t] = struct{}{}
		}
	}
	changed := !sameSet(s.tokens, next)
	s.tokens = next
	s.syncLocked()
	s.mu.Unlock()

	if changed {
		s.Kick()
	}
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Tokens returns the tracked token set, sorted.
func (s *Stream) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.tokens)
}

// Kick resumes a supervisor that gave up reconnecting. It never blocks.
func (s *Stream) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Status returns a snapshot for the status endpoint.
func (s *Stream) Status() StreamStatus {
	s.mu.Lock()
	st := StreamStatus{
		State:    s.state.String(),
		Tokens:   len(s.tokens),
		Attempts: s.attempts,
		Parked:   s.parked,
	}
	s.mu.Unlock()
	st.Malformed = s.malformed.Seen()
	st.Breaker = s.breaker.Snapshot()
	return st
}

// Run supervises connections until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	s.logger.Info("stream supervisor started")
	defer s.logger.Info("stream supervisor stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.backoff.Exhausted(s.currentAttempts()) {
			if err := s.park(ctx); err != nil {
				return err
			}
			continue
		}

		allowed, wait := s.breaker.Allow(s.Now())
		if !allowed {
			// Open breaker: no dial and no backoff step until the window passes.
			s.logger.Debug("breaker open, waiting", slog.Duration("wait", wait))
			if err := s.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := s.recordFailure()
		if s.breaker.Failure(s.Now()) {
			snap := s.breaker.Snapshot()
			s.logger.Error("circuit breaker opened, upstream degraded",
				slog.Int("failures", snap.Failures),
				slog.String("error", errString(err)),
			)
			if s.OnBreakerOpen != nil {
				s.OnBreakerOpen(snap, err)
			}
			continue
		}
		if s.backoff.Exhausted(attempt) {
			continue
		}

		delay := s.backoff.Delay(attempt - 1)
		s.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if err := s.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// park waits for Kick after the supervisor has given up. A Kick that arrived
// while the last attempts were still running resumes it at once.
func (s *Stream) park(ctx context.Context) error {
	s.mu.Lock()
	s.parked = true
	attempts := s.attempts
	s.mu.Unlock()
	s.logger.Error("stream gave up reconnecting, waiting for resubscribe trigger", slog.Int("attempts", attempts))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.kick:
	}

	s.mu.Lock()
	s.parked = false
	s.attempts = 0
	s.mu.Unlock()
	s.logger.Info("stream resumed by trigger")
	return nil
}

func (s *Stream) connectAndServe(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	initial := sortedKeys(s.tokens)
	s.mu.Unlock()

	conn, err := s.dial(ctx, initial)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("feed: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.attempts = 0
	s.sent = make(map[string]struct{}, len(initial))
	for _, t := range initial {
		s.sent[t] = struct{}{}
	}
	// Changes made while the dial was in flight.
	s.syncLocked()
	s.mu.Unlock()

	s.breaker.Success()
	s.logger.Info("stream connected", slog.Int("tokens", len(initial)))

	storm := &stormDetector{limit: s.malformedLimit, window: s.malformedWindow}
	stormed := false
	runErr := conn.Run(ctx, func(frame []byte) {
		if stormed {
			return
		}
		if !s.handleFrame(frame, storm) {
			stormed = true
			_ = conn.Close()
		}
	})

	s.mu.Lock()
	s.conn = nil
	s.sent = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if stormed {
		return errMalformedStorm
	}
	if runErr == nil {
		runErr = domain.ErrWSDisconnect
	}
	return runErr
}

// handleFrame decodes a frame and forwards its ticks. It returns false when
// the malformed storm limit has been crossed.
func (s *Stream) handleFrame(frame []byte, storm *stormDetector) bool {
	now := s.Now()
	msgs, err := polymarket.Decode(frame)
	if err != nil {
		if ok, n := s.malformed.Sample(); ok {
			s.logger.Warn("malformed frame dropped",
				slog.String("error", err.Error()),
				slog.Uint64("malformed_total", n),
			)
		}
		return !storm.hit(now)
	}
	for _, msg := range msgs {
		for _, tick := range msg.Ticks(now) {
			s.onTick(tick)
		}
	}
	return true
}

// syncLocked pushes the difference between the wanted and the sent token sets
// to the live connection. Caller holds s.mu.
func (s *Stream) syncLocked() {
	if s.conn == nil {
		return
	}
	var add, remove []string
	for t := range s.tokens {
		if _, ok := s.sent[t]; !ok {
			add = append(add, t)
		}
	}
	for t := range s.sent {
		if _, ok := s.tokens[t]; !ok {
			remove = append(remove, t)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	if len(add) > 0 {
		if err := s.conn.Subscribe(add); err != nil {
			s.logger.Warn("subscribe failed", slog.Int("tokens", len(add)), slog.String("error", err.Error()))
		} else {
			for _, t := range add {
				s.sent[t] = struct{}{}
			}
		}
	}
	if len(remove) > 0 {
		if err := s.conn.Unsubscribe(remove); err != nil {
			s.logger.Warn("unsubscribe failed", slog.Int("tokens", len(remove)), slog.String("error", err.Error()))
		} else {
			for _, t := range remove {
				delete(s.sent, t)
			}
		}
	}
}

func (s *Stream) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stream) currentAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Stream) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// stormDetector counts malformed frames in fixed windows.
type stormDetector struct {
	limit  int
	window time.Duration
	start  time.Time
	count  int
}

func (d *stormDetector) hit(now time.Time) bool {
	if d.start.IsZero() || now.Sub(d.start) > d.window {
		d.start = now
		d.count = 0
	}
	d.count++
	return d.count > d.limit
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
