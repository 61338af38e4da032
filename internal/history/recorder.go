// Package history buckets odds observations and records them.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Recorder writes live odds into bucketed history, throttled per token.
type Recorder struct {
	store    domain.HistoryStore
	throttle *Throttle
	width    time.Duration
	logger   *slog.Logger
}

// NewRecorder creates a Recorder writing width-sized buckets and admitting
// one write per token every minInterval.
func NewRecorder(store domain.HistoryStore, width, minInterval time.Duration, logger *slog.Logger) *Recorder {
	if width <= 0 {
		width = LiveBucket
	}
	return &Recorder{
		store:    store,
		throttle: NewThrottle(minInterval),
		width:    width,
		logger:   logger.With(slog.String("component", "history_recorder")),
	}
}

// OutcomeKey returns the history outcome id for a token: its outcome id, or
// the side for binary tokens that carry none.
func OutcomeKey(m domain.TokenMapping) string {
	if m.OutcomeID != "" {
		return m.OutcomeID
	}
	return string(m.Side)
}

// Record upserts the bucket containing ts unless the token was written within
// the throttle interval. It reports whether a write was issued. A failed write
// gives the throttle slot back so the next tick can retry.
func (r *Recorder) Record(ctx context.Context, m domain.TokenMapping, price, prob float64, source domain.OddsSource, ts time.Time) (bool, error) {
	ok, prev := r.throttle.Acquire(m.TokenID, ts)
	if !ok {
		return false, nil
	}

	p := domain.OddsHistoryPoint{
		MarketID:    m.MarketID,
		OutcomeID:   OutcomeKey(m),
		Bucket:      Bucket(ts, r.width),
		Price:       price,
		Probability: prob,
		Source:      source,
		TokenID:     m.TokenID,
	}
	if err := r.store.Upsert(ctx, p); err != nil {
		r.throttle.Release(m.TokenID, ts, prev)
		return false, fmt.Errorf("history: record %s: %w", m.TokenID, err)
	}
	return true, nil
}

// RunJanitor prunes idle throttle entries every interval until ctx ends.
func (r *Recorder) RunJanitor(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := r.throttle.Cleanup(now); n > 0 {
				r.logger.Debug("throttle entries pruned", slog.Int("removed", n))
			}
		}
	}
}
