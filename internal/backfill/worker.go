// Package backfill loads historical odds for newly linked markets through a
// durable Redis queue and keeps the hourly summary view fresh.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/history"
)

// sharedLimitKey is the rate limit bucket every worker instance draws from.
const sharedLimitKey = "backfill:history"

// EventDeadLetter is the notification event raised for exhausted jobs.
const EventDeadLetter = "dead_letter"

// HistoryFetcher reads a token's price series from the venue.
type HistoryFetcher interface {
	PricesHistory(ctx context.Context, tokenID, interval string, startTS *time.Time) ([]domain.PriceSample, error)
}

// Archiver keeps a copy of dead-lettered jobs outside Redis.
type Archiver interface {
	Archive(ctx context.Context, dl domain.DeadLetter) error
}

// Alerter notifies operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WorkerConfig tunes a Worker. Zero values take the defaults noted.
type WorkerConfig struct {
	MaxAttempts   int           // 3
	IdleInterval  time.Duration // 5s
	InterJobDelay time.Duration // 1s
	FetchTimeout  time.Duration // 30s
	Interval      string        // "max"
	BucketWidth   time.Duration // history.BackfillBucket
	SharedLimit   int           // requests per SharedWindow across instances; 0 disables
	SharedWindow  time.Duration
}

// WorkerDeps are the collaborators of a Worker. Limiter, Archiver and Alerter
// are optional.
type WorkerDeps struct {
	Queue    domain.JobQueue
	Fetcher  HistoryFetcher
	History  domain.HistoryStore
	Limiter  domain.RateLimiter
	Archiver Archiver
	Alerter  Alerter
}

// WorkerStats are the worker counters.
type WorkerStats struct {
	Completed    uint64 `json:"completed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
	Inserted     int64  `json:"inserted"`
}

// Worker drains the backfill queue one job at a time.
type Worker struct {
	cfg    WorkerConfig
	deps   WorkerDeps
	logger *slog.Logger

	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	completed    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	inserted     atomic.Int64
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig, deps WorkerDeps, logger *slog.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.InterJobDelay <= 0 {
		cfg.InterJobDelay = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Interval == "" {
		cfg.Interval = "max"
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = history.BackfillBucket
	}
	if cfg.SharedWindow <= 0 {
		cfg.SharedWindow = time.Second
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "backfill_worker")),
		Sleep:  sleepCtx,
	}
}

// Run recovers jobs orphaned by a previous crash and then processes the queue
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	n, err := w.deps.Queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("backfill: recover: %w", err)
	}
	w.logger.Info("backfill worker started", slog.Int("recovered", n))
	defer w.logger.Info("backfill worker stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		worked, err := w.Step(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := w.cfg.InterJobDelay
		if err != nil {
			w.logger.Error("backfill queue unavailable", slog.String("error", err.Error()))
			delay = w.cfg.IdleInterval
		} else if !worked {
			delay = w.cfg.IdleInterval
		}
		if err := w.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Step claims and processes at most one job. It reports whether a job was
// claimed. Queue errors are returned; job failures are handled in place.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	job, err := w.deps.Queue.Claim(ctx)
	switch {
	case errors.Is(err, domain.ErrQueueEmpty):
		return false, nil
	case errors.Is(err, domain.ErrInvalidJob):
		w.logger.Warn("invalid backfill job discarded", slog.String("error", err.Error()))
		return true, nil
	case err != nil:
		return false, err
	}

	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("market_id", job.MarketID),
		slog.String("token_id", job.TokenID),
	)

	inserted, procErr := w.process(ctx, job)
	if procErr == nil {
		if err := w.deps.Queue.Complete(ctx, job); err != nil {
			return true, fmt.Errorf("backfill: complete %s: %w", job.ID, err)
		}
		w.completed.Add(1)
		w.inserted.Add(inserted)
		log.Info("backfill job completed", slog.Int64("inserted", inserted))
		return true, nil
	}
	if ctx.Err() != nil {
		// Shutdown mid-job: leave it in processing for Recover.
		return true, nil
	}

	dead, err := w.deps.Queue.Fail(ctx, job, procErr.Error(), w.cfg.MaxAttempts)
	if err != nil {
		return true, fmt.Errorf("backfill: fail %s: %w", job.ID, err)
	}
	if !dead {
		w.retried.Add(1)
		log.Warn("backfill job failed, requeued",
			slog.Int("attempt", job.Attempts+1),
			slog.String("error", procErr.Error()),
		)
		return true, nil
	}

	w.deadLettered.Add(1)
	log.Error("backfill job dead-lettered",
		slog.Int("attempts", job.Attempts+1),
		slog.String("error", procErr.Error()),
	)
	w.afterDeadLetter(ctx, job, procErr)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job domain.BackfillJob) (int64, error) {
	if w.deps.Limiter != nil && w.cfg.SharedLimit > 0 {
		if err := w.deps.Limiter.Wait(ctx, sharedLimitKey, w.cfg.SharedLimit, w.cfg.SharedWindow); err != nil {
			return 0, fmt.Errorf("shared rate limit: %w", err)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	samples, err := w.deps.Fetcher.PricesHistory(fetchCtx, job.TokenID, w.cfg.Interval, job.StartTS)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch history: %w", err)
	}
	if len(samples) == 0 {
		return 0, domain.ErrNoHistory
	}

	outcome := job.OutcomeID
	if outcome == "" {
		outcome = string(domain.SideYes)
	}
	points := history.BucketSeries(samples, history.SeriesKey{
		MarketID:  job.MarketID,
		OutcomeID: outcome,
		TokenID:   job.TokenID,
	}, w.cfg.BucketWidth, domain.SourceBackfill)

	n, err := w.deps.History.InsertSkipExisting(ctx, points)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	return n, nil
}

func (w *Worker) afterDeadLetter(ctx context.Context, job domain.BackfillJob, cause error) {
	dl := domain.DeadLetter{Job: job, Reason: cause.Error(), FailedAt: time.Now().UTC()}
	dl.Job.Attempts++
	dl.Job.LastError = dl.Reason

	if w.deps.Archiver != nil {
		if err := w.deps.Archiver.Archive(ctx, dl); err != nil {
			w.logger.Warn("dead letter archive failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if w.deps.Alerter != nil {
		title := "Backfill job dead-lettered"
		msg := fmt.Sprintf("market %s token %s failed %d times: %s",
			job.MarketID, job.TokenID, dl.Job.Attempts, dl.Reason)
		if err := w.deps.Alerter.Notify(ctx, EventDeadLetter, title, msg); err != nil {
			w.logger.Warn("dead letter notification failed", slog.String("error", err.Error()))
		}
	}
}

// Stats returns the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Completed:    w.completed.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Inserted:     w.inserted.Load(),
	}
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
