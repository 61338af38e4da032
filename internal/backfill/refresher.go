package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

const (
	lastRefreshedKey = "odds:summary:last_refreshed"
	refreshLockKey   = "odds:summary:refresh"
)

// Outcome is the result of one MaybeRefresh call.
type Outcome int

const (
	Refreshed Outcome = iota
	SkippedFresh
	SkippedLocked
)

func (o Outcome) String() string {
	switch o {
	case Refreshed:
		return "refreshed"
	case SkippedFresh:
		return "skipped_fresh"
	case SkippedLocked:
		return "skipped_locked"
	default:
		return "unknown"
	}
}

// Refresher rebuilds the hourly summary view at most once per staleness
// window across every instance.
type Refresher struct {
	history    domain.HistoryStore
	locks      domain.LockManager
	timestamps domain.Timestamps
	staleness  time.Duration
	lockTTL    time.Duration
	logger     *slog.Logger

	// Now is replaced in tests.
	Now func() time.Time
}

// NewRefresher creates a Refresher. Zero durations default to a 10m staleness
// window and a 30s lock.
func NewRefresher(h domain.HistoryStore, locks domain.LockManager, ts domain.Timestamps, staleness, lockTTL time.Duration, logger *slog.Logger) *Refresher {
	if staleness <= 0 {
		staleness = 10 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Refresher{
		history:    h,
		locks:      locks,
		timestamps: ts,
		staleness:  staleness,
		lockTTL:    lockTTL,
		logger:     logger.With(slog.String("component", "summary_refresher")),
		Now:        time.Now,
	}
}

// MaybeRefresh refreshes the summary view if it is stale and no other
// instance is already doing so.
func (r *Refresher) MaybeRefresh(ctx context.Context) (Outcome, error) {
	fresh, err := r.fresh(ctx)
	if err != nil {
		return 0, err
	}
	if fresh {
		return SkippedFresh, nil
	}

	unlock, err := r.locks.Acquire(ctx, refreshLockKey, r.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return SkippedLocked, nil
	}
	if err != nil {
		return 0, fmt.Errorf("backfill: acquire refresh lock: %w", err)
	}
	defer unlock()

	// Another holder may have finished between the first check and the lock.
	fresh, err = r.fresh(ctx)
	if err != nil {
		return 0, err
	}
	if fresh {
		return SkippedFresh, nil
	}

	start := r.Now()
	if err := r.history.RefreshSummary(ctx); err != nil {
		return 0, fmt.Errorf("backfill: refresh summary: %w", err)
	}
	if err := r.timestamps.Set(ctx, lastRefreshedKey, r.Now()); err != nil {
		return 0, fmt.Errorf("backfill: stamp summary refresh: %w", err)
	}
	r.logger.Info("summary view refreshed", slog.Duration("took", r.Now().Sub(start)))
	return Refreshed, nil
}

func (r *Refresher) fresh(ctx context.Context) (bool, error) {
	last, err := r.timestamps.Get(ctx, lastRefreshedKey)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("backfill: read last refresh: %w", err)
	}
	return r.Now().Sub(last) < r.staleness, nil
}

// Run calls MaybeRefresh every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if out, err := r.MaybeRefresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("summary refresh failed", slog.String("error", err.Error()))
		} else if out != SkippedFresh {
			r.logger.Debug("summary refresh check", slog.String("outcome", out.String()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
