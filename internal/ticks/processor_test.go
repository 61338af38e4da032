package ticks_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/history"
	"github.com/alanyoungcy/oddsfeed/internal/odds"
	"github.com/alanyoungcy/oddsfeed/internal/ticks"
)

type staticResolver map[string]domain.TokenMapping

func (r staticResolver) Resolve(_ context.Context, id string) (domain.TokenMapping, bool, error) {
	m, ok := r[id]
	if !ok || !m.Active {
		return domain.TokenMapping{}, false, nil
	}
	return m, true, nil
}

type memMarkets struct {
	mu       sync.Mutex
	binary   map[string][2]float64
	outcomes map[string]map[string]float64
	sources  map[string]domain.OddsSource
	err      error
}

func newMemMarkets() *memMarkets {
	return &memMarkets{
		binary:   map[string][2]float64{},
		outcomes: map[string]map[string]float64{},
		sources:  map[string]domain.OddsSource{},
	}
}

func (s *memMarkets) UpdateBinaryOdds(_ context.Context, id string, yes, no float64, src domain.OddsSource, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.binary[id] = [2]float64{yes, no}
	s.sources[id] = src
	return nil
}

func (s *memMarkets) UpdateOutcomeOdds(_ context.Context, id, outcome string, prob float64, src domain.OddsSource, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.outcomes[id] == nil {
		s.outcomes[id] = map[string]float64{}
	}
	s.outcomes[id][outcome] = prob
	s.sources[id] = src
	return nil
}

func (s *memMarkets) GetOdds(context.Context, string) (domain.MarketOdds, error) {
	return domain.MarketOdds{}, domain.ErrNotFound
}

type memHistory struct {
	mu     sync.Mutex
	points []domain.OddsHistoryPoint
}

func (h *memHistory) Upsert(_ context.Context, p domain.OddsHistoryPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, p)
	return nil
}

func (h *memHistory) InsertSkipExisting(context.Context, []domain.OddsHistoryPoint) (int64, error) {
	return 0, nil
}

func (h *memHistory) List(context.Context, domain.HistoryQuery) ([]domain.OddsHistoryPoint, error) {
	return nil, nil
}

func (h *memHistory) RefreshSummary(context.Context) error { return nil }

type memVolumes map[string]domain.OrderVolume

func (v memVolumes) InternalVolume(_ context.Context, id string) (domain.OrderVolume, error) {
	vol, ok := v[id]
	if !ok {
		return domain.OrderVolume{}, domain.ErrNotFound
	}
	return vol, nil
}

type capturePublisher struct {
	updates []domain.OddsUpdate
}

func (c *capturePublisher) Publish(u domain.OddsUpdate) bool {
	c.updates = append(c.updates, u)
	return true
}

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var t0 = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

type fixture struct {
	markets *memMarkets
	hist    *memHistory
	pub     *capturePublisher
	proc    *ticks.Processor
}

func newFixture(volumes domain.VolumeStore) *fixture {
	f := &fixture{markets: newMemMarkets(), hist: &memHistory{}, pub: &capturePublisher{}}
	resolver := staticResolver{
		"tokA":  {TokenID: "tokA", MarketID: "M", Side: domain.SideYes, Kind: domain.MarketKindBinary, Active: true},
		"tokB":  {TokenID: "tokB", MarketID: "M", Side: domain.SideNo, Kind: domain.MarketKindBinary, Active: true},
		"red":   {TokenID: "red", MarketID: "E", OutcomeID: "red", Kind: domain.MarketKindMulti, Active: true},
		"stale": {TokenID: "stale", MarketID: "Z", Side: domain.SideYes, Kind: domain.MarketKindBinary, Active: false},
	}
	f.proc = ticks.NewProcessor(ticks.Deps{
		Mappings:  resolver,
		Volumes:   volumes,
		Markets:   f.markets,
		Recorder:  history.NewRecorder(f.hist, history.LiveBucket, 30*time.Second, logger()),
		Blender:   odds.NewBlender(odds.LiquidityWeight),
		Publisher: f.pub,
	}, 10, logger())
	return f
}

func TestYesTickUpdatesBothSides(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.proc.Handle(ctx, domain.PriceTick{TokenID: "tokA", Price: 0.7, ReceivedAt: t0})

	got := f.markets.binary["M"]
	assert.InDelta(t, 0.7, got[0], 1e-9)
	assert.InDelta(t, 0.3, got[1], 1e-9)
	assert.Equal(t, domain.SourceExternal, f.markets.sources["M"])

	require.Len(t, f.pub.updates, 1, "exactly one broadcast")
	u := f.pub.updates[0]
	assert.Equal(t, "M", u.MarketID)
	assert.Equal(t, "tokA", u.TokenID)
	assert.InDelta(t, 0.7, *u.YesPrice, 1e-9)
	assert.InDelta(t, 0.3, *u.NoPrice, 1e-9)

	require.Len(t, f.hist.points, 1)
	assert.Equal(t, history.Bucket(t0, history.LiveBucket), f.hist.points[0].Bucket)

	// Within the throttle window: broadcast again, no second history write.
	f.proc.Handle(ctx, domain.PriceTick{TokenID: "tokA", Price: 0.72, ReceivedAt: t0.Add(10 * time.Second)})
	assert.Len(t, f.pub.updates, 2)
	assert.Len(t, f.hist.points, 1)
	assert.Equal(t, ticks.Stats{Processed: 2, Recorded: 1}, f.proc.Stats())
}

func TestNoTickInvertsPrice(t *testing.T) {
	f := newFixture(nil)
	f.proc.Handle(context.Background(), domain.PriceTick{TokenID: "tokB", Price: 0.25, ReceivedAt: t0})

	got := f.markets.binary["M"]
	assert.InDelta(t, 0.75, got[0], 1e-9)
	assert.InDelta(t, 0.25, got[1], 1e-9)
	require.Len(t, f.hist.points, 1)
	assert.Equal(t, "NO", f.hist.points[0].OutcomeID)
	assert.InDelta(t, 0.25, f.hist.points[0].Probability, 1e-9)
}

func TestTickBlendsInternalVolume(t *testing.T) {
	f := newFixture(memVolumes{"M": {MarketID: "M", YesVolume: 80, NoVolume: 20, ExternalLiquidity: 100}})
	f.proc.Handle(context.Background(), domain.PriceTick{TokenID: "tokA", Price: 0.4, ReceivedAt: t0})

	got := f.markets.binary["M"]
	assert.InDelta(t, 0.6, got[0], 1e-9)
	assert.Equal(t, domain.SourceBlended, f.markets.sources["M"])
}

func TestMultiOutcomeTick(t *testing.T) {
	f := newFixture(nil)
	f.proc.Handle(context.Background(), domain.PriceTick{TokenID: "red", Price: 0.35, ReceivedAt: t0})

	assert.InDelta(t, 0.35, f.markets.outcomes["E"]["red"], 1e-9)
	require.Len(t, f.pub.updates, 1)
	assert.Nil(t, f.pub.updates[0].YesPrice)
	assert.Equal(t, "red", f.hist.points[0].OutcomeID)
}

func TestUnknownAndInactiveTokensIgnored(t *testing.T) {
	f := newFixture(nil)
	f.proc.Handle(context.Background(), domain.PriceTick{TokenID: "nope", Price: 0.5, ReceivedAt: t0})
	f.proc.Handle(context.Background(), domain.PriceTick{TokenID: "stale", Price: 0.5, ReceivedAt: t0})

	assert.Empty(t, f.pub.updates)
	assert.Empty(t, f.markets.binary)
	assert.Equal(t, uint64(2), f.proc.Stats().Ignored)
}

func TestPersistenceFailureDropsTick(t *testing.T) {
	f := newFixture(nil)
	f.markets.err = errors.New("db down")
	f.proc.Handle(context.Background(), domain.PriceTick{TokenID: "tokA", Price: 0.5, ReceivedAt: t0})

	assert.Empty(t, f.pub.updates)
	assert.Empty(t, f.hist.points)
	assert.Equal(t, uint64(1), f.proc.Stats().Failed)
}

func TestZeroPriceTickUsesInternalVolume(t *testing.T) {
	vols := memVolumes{"M": {MarketID: "M", YesVolume: 100, NoVolume: 0, ExternalLiquidity: 100}}

	for _, token := range []string{"tokA", "tokB"} {
		t.Run(token, func(t *testing.T) {
			f := newFixture(vols)
			f.proc.Handle(context.Background(), domain.PriceTick{TokenID: token, Price: 0, ReceivedAt: t0})

			got := f.markets.binary["M"]
			assert.InDelta(t, 1.0, got[0], 1e-9)
			assert.InDelta(t, 0.0, got[1], 1e-9)
			assert.Equal(t, domain.SourceInternal, f.markets.sources["M"])
		})
	}
}
