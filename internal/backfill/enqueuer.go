package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/history"
)

// Enqueuer turns mappings into backfill jobs.
type Enqueuer struct {
	queue    domain.JobQueue
	mappings domain.MappingStore
	logger   *slog.Logger
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(q domain.JobQueue, mappings domain.MappingStore, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{queue: q, mappings: mappings, logger: logger.With(slog.String("component", "backfill_enqueuer"))}
}

// EnqueueForMapping queues one job per active token of mm and returns the
// ids of the queued jobs. A non-nil startTS limits the fetched range.
func (e *Enqueuer) EnqueueForMapping(ctx context.Context, mm domain.MarketMapping, startTS *time.Time) ([]string, error) {
	if !mm.Active {
		return nil, nil
	}
	var ids []string
	for _, tm := range mm.Tokens {
		if !tm.Active {
			continue
		}
		job := domain.BackfillJob{
			ID:         uuid.NewString(),
			MarketID:   mm.MarketID,
			OutcomeID:  history.OutcomeKey(tm),
			TokenID:    tm.TokenID,
			StartTS:    startTS,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := e.queue.Enqueue(ctx, job); err != nil {
			return ids, fmt.Errorf("backfill: enqueue %s: %w", tm.TokenID, err)
		}
		ids = append(ids, job.ID)
	}
	e.logger.Info("backfill jobs enqueued",
		slog.String("market_id", mm.MarketID),
		slog.Int("jobs", len(ids)),
	)
	return ids, nil
}

// EnqueueForMarket loads the market's mapping and queues its tokens. It
// returns domain.ErrNotFound for an unknown market.
func (e *Enqueuer) EnqueueForMarket(ctx context.Context, marketID string, startTS *time.Time) ([]string, error) {
	mm, err := e.mappings.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return e.EnqueueForMapping(ctx, mm, startTS)
}

// OnMappingChanged queues a backfill when a market becomes active. It matches
// mapping.Hooks.Changed.
func (e *Enqueuer) OnMappingChanged(ctx context.Context, ev domain.MappingChanged) {
	if !ev.Active {
		return
	}
	if _, err := e.EnqueueForMarket(ctx, ev.MarketID, nil); err != nil {
		e.logger.Warn("backfill for changed mapping failed",
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}
