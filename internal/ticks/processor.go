// Package ticks turns venue price ticks into published odds.
package ticks

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/feed"
	"github.com/alanyoungcy/oddsfeed/internal/history"
	"github.com/alanyoungcy/oddsfeed/internal/odds"
)

// Resolver maps a token to its market outcome.
type Resolver interface {
	Resolve(ctx context.Context, tokenID string) (domain.TokenMapping, bool, error)
}

// Recorder stores throttled history samples.
type Recorder interface {
	Record(ctx context.Context, m domain.TokenMapping, price, prob float64, source domain.OddsSource, ts time.Time) (bool, error)
}

// Publisher fans updates out without blocking.
type Publisher interface {
	Publish(u domain.OddsUpdate) bool
}

// Stats are the processor counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Ignored   uint64 `json:"ignored"`
	Failed    uint64 `json:"failed"`
	Recorded  uint64 `json:"recorded"`
}

// Processor runs the live path for one tick: resolve, blend, persist,
// record, broadcast. It never retries; a failed tick is dropped and the next
// one self-corrects.
type Processor struct {
	mappings  Resolver
	volumes   domain.VolumeStore
	markets   domain.MarketStore
	recorder  Recorder
	blender   *odds.Blender
	publisher Publisher
	logger    *slog.Logger
	sampler   *feed.LogSampler

	processed atomic.Uint64
	ignored   atomic.Uint64
	failed    atomic.Uint64
	recorded  atomic.Uint64
}

// Deps are the collaborators of a Processor. Volumes may be nil, in which
// case the external price is published unchanged.
type Deps struct {
	Mappings  Resolver
	Volumes   domain.VolumeStore
	Markets   domain.MarketStore
	Recorder  Recorder
	Blender   *odds.Blender
	Publisher Publisher
}

// NewProcessor creates a Processor.
func NewProcessor(d Deps, logSampleEvery int, logger *slog.Logger) *Processor {
	if d.Blender == nil {
		d.Blender = odds.NewBlender(odds.LiquidityWeight)
	}
	return &Processor{
		mappings:  d.Mappings,
		volumes:   d.Volumes,
		markets:   d.Markets,
		recorder:  d.Recorder,
		blender:   d.Blender,
		publisher: d.Publisher,
		logger:    logger.With(slog.String("component", "tick_processor")),
		sampler:   feed.NewLogSampler(logSampleEvery),
	}
}

// Handle processes one tick. It matches feed.TickHandler.
func (p *Processor) Handle(ctx context.Context, tick domain.PriceTick) {
	m, ok, err := p.mappings.Resolve(ctx, tick.TokenID)
	if err != nil {
		p.fail("resolve mapping", tick, err)
		return
	}
	if !ok {
		p.ignored.Add(1)
		return
	}

	ts := tick.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	var update domain.OddsUpdate
	var prob float64
	var source domain.OddsSource
	if m.Kind == domain.MarketKindMulti {
		prob, source, err = p.applyOutcome(ctx, m, tick, ts)
		update = domain.OddsUpdate{MarketID: m.MarketID, TokenID: tick.TokenID, Price: prob, Timestamp: ts}
	} else {
		var res odds.Result
		res, err = p.applyBinary(ctx, m, tick, ts)
		prob, source = res.Yes, res.Source
		if m.Side == domain.SideNo {
			prob = res.No
		}
		yes, no := res.Yes, res.No
		update = domain.OddsUpdate{MarketID: m.MarketID, TokenID: tick.TokenID, Price: tick.Price, YesPrice: &yes, NoPrice: &no, Timestamp: ts}
	}
	if err != nil {
		p.fail("persist odds", tick, err)
		return
	}

	if written, err := p.recorder.Record(ctx, m, tick.Price, prob, source, ts); err != nil {
		p.logger.Warn("history write failed",
			slog.String("token_id", tick.TokenID),
			slog.String("market_id", m.MarketID),
			slog.String("error", err.Error()),
		)
	} else if written {
		p.recorded.Add(1)
	}

	p.publisher.Publish(update)
	p.processed.Add(1)
}

func (p *Processor) applyBinary(ctx context.Context, m domain.TokenMapping, tick domain.PriceTick, ts time.Time) (odds.Result, error) {
	// A zero venue price is no quote; both sides stay zero so the blend
	// falls back to internal volume.
	var in odds.Input
	if price := odds.Clamp(tick.Price); price > 0 {
		extYes := price
		if m.Side == domain.SideNo {
			extYes = 1 - price
		}
		in.ExternalYes, in.ExternalNo = extYes, 1-extYes
	}

	if p.volumes != nil {
		v, err := p.volumes.InternalVolume(ctx, m.MarketID)
		switch {
		case err == nil:
			in.InternalYesVolume = v.YesVolume
			in.InternalNoVolume = v.NoVolume
			in.ExternalLiquidity = v.ExternalLiquidity
		case errors.Is(err, domain.ErrNotFound):
		default:
			// Volume is advisory; fall back to the venue price.
			p.logger.Debug("internal volume unavailable",
				slog.String("market_id", m.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}

	res := p.blender.Blend(in)
	if err := p.markets.UpdateBinaryOdds(ctx, m.MarketID, res.Yes, res.No, res.Source, ts); err != nil {
		return odds.Result{}, err
	}
	return res, nil
}

func (p *Processor) applyOutcome(ctx context.Context, m domain.TokenMapping, tick domain.PriceTick, ts time.Time) (float64, domain.OddsSource, error) {
	prob := odds.Clamp(tick.Price)
	if err := p.markets.UpdateOutcomeOdds(ctx, m.MarketID, history.OutcomeKey(m), prob, domain.SourceExternal, ts); err != nil {
		return 0, "", err
	}
	return prob, domain.SourceExternal, nil
}

func (p *Processor) fail(op string, tick domain.PriceTick, err error) {
	p.failed.Add(1)
	if ok, n := p.sampler.Sample(); ok {
		p.logger.Error("tick dropped",
			slog.String("op", op),
			slog.String("token_id", tick.TokenID),
			slog.Uint64("failed_total", n),
			slog.String("error", err.Error()),
		)
	}
}

// Stats returns the processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Ignored:   p.ignored.Load(),
		Failed:    p.failed.Load(),
		Recorded:  p.recorded.Load(),
	}
}
