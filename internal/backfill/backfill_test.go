package backfill_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oddsfeed/internal/backfill"
	rediscache "github.com/alanyoungcy/oddsfeed/internal/cache/redis"
	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRedis(t *testing.T) *rediscache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rediscache.New(context.Background(), rediscache.ClientConfig{Addr: mr.Addr(), PoolSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type fakeFetcher struct {
	mu      sync.Mutex
	samples []domain.PriceSample
	err     error
	calls   int
}

func (f *fakeFetcher) PricesHistory(_ context.Context, _, _ string, _ *time.Time) ([]domain.PriceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.samples, f.err
}

// memHistory dedups on (market, outcome, bucket) like the real table.
type memHistory struct {
	mu        sync.Mutex
	points    map[string]domain.OddsHistoryPoint
	refreshes atomic.Int32
	delay     time.Duration
}

func newMemHistory() *memHistory {
	return &memHistory{points: map[string]domain.OddsHistoryPoint{}}
}

func key(p domain.OddsHistoryPoint) string {
	return p.MarketID + "|" + p.OutcomeID + "|" + p.Bucket.Format(time.RFC3339)
}

func (h *memHistory) Upsert(_ context.Context, p domain.OddsHistoryPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points[key(p)] = p
	return nil
}

func (h *memHistory) InsertSkipExisting(_ context.Context, pts []domain.OddsHistoryPoint) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for _, p := range pts {
		if _, ok := h.points[key(p)]; ok {
			continue
		}
		h.points[key(p)] = p
		n++
	}
	return n, nil
}

func (h *memHistory) List(context.Context, domain.HistoryQuery) ([]domain.OddsHistoryPoint, error) {
	return nil, nil
}

func (h *memHistory) RefreshSummary(context.Context) error {
	time.Sleep(h.delay)
	h.refreshes.Add(1)
	return nil
}

type recordingArchiver struct{ got []domain.DeadLetter }

func (a *recordingArchiver) Archive(_ context.Context, dl domain.DeadLetter) error {
	a.got = append(a.got, dl)
	return nil
}

type recordingAlerter struct{ events []string }

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func job(id string) domain.BackfillJob {
	return domain.BackfillJob{ID: id, MarketID: "M", OutcomeID: "YES", TokenID: "tok-" + id}
}

type workerFixture struct {
	queue    *rediscache.BackfillQueue
	fetcher  *fakeFetcher
	hist     *memHistory
	archiver *recordingArchiver
	alerter  *recordingAlerter
	worker   *backfill.Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	c := newRedis(t)
	f := &workerFixture{
		queue:    rediscache.NewBackfillQueue(c, "backfill"),
		fetcher:  &fakeFetcher{},
		hist:     newMemHistory(),
		archiver: &recordingArchiver{},
		alerter:  &recordingAlerter{},
	}
	f.worker = backfill.NewWorker(backfill.WorkerConfig{
		SharedLimit:  100,
		SharedWindow: time.Second,
	}, backfill.WorkerDeps{
		Queue:    f.queue,
		Fetcher:  f.fetcher,
		History:  f.hist,
		Limiter:  rediscache.NewRateLimiter(c),
		Archiver: f.archiver,
		Alerter:  f.alerter,
	}, discard())
	return f
}

func TestWorkerStepEmptyQueue(t *testing.T) {
	f := newWorkerFixture(t)
	worked, err := f.worker.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestWorkerStepInsertsBucketedHistory(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.fetcher.samples = []domain.PriceSample{
		{Timestamp: t0.Add(1 * time.Minute), Price: 0.40},
		{Timestamp: t0.Add(20 * time.Minute), Price: 0.45},
		{Timestamp: t0.Add(35 * time.Minute), Price: 0.50},
	}
	require.NoError(t, f.queue.Enqueue(ctx, job("a")))

	worked, err := f.worker.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	require.Len(t, f.hist.points, 2)
	first := f.hist.points["M|YES|"+t0.Format(time.RFC3339)]
	assert.InDelta(t, 0.45, first.Price, 1e-9)
	assert.Equal(t, domain.SourceBackfill, first.Source)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, stats)
	assert.Equal(t, uint64(1), f.worker.Stats().Completed)
	assert.Equal(t, int64(2), f.worker.Stats().Inserted)
}

func TestWorkerBackfillDoesNotOverwriteLive(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	live := domain.OddsHistoryPoint{MarketID: "M", OutcomeID: "YES", Bucket: t0, Price: 0.9, Source: domain.SourceExternal}
	require.NoError(t, f.hist.Upsert(ctx, live))

	f.fetcher.samples = []domain.PriceSample{{Timestamp: t0.Add(time.Minute), Price: 0.1}}
	require.NoError(t, f.queue.Enqueue(ctx, job("a")))
	_, err := f.worker.Step(ctx)
	require.NoError(t, err)

	assert.Equal(t, live, f.hist.points[key(live)])
	assert.Equal(t, int64(0), f.worker.Stats().Inserted)
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.fetcher.err = errors.New("upstream 500")
	require.NoError(t, f.queue.Enqueue(ctx, job("a")))

	for i := 0; i < 3; i++ {
		worked, err := f.worker.Step(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Dead: 1}, stats)
	assert.Equal(t, 3, f.fetcher.calls)

	require.Len(t, f.archiver.got, 1)
	assert.Equal(t, 3, f.archiver.got[0].Job.Attempts)
	assert.Contains(t, f.archiver.got[0].Reason, "upstream 500")
	assert.Equal(t, []string{backfill.EventDeadLetter}, f.alerter.events)

	ws := f.worker.Stats()
	assert.Equal(t, uint64(2), ws.Retried)
	assert.Equal(t, uint64(1), ws.DeadLettered)

	worked, err := f.worker.Step(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "dead letters are not retried")
}

func TestWorkerEmptyHistoryCountsAsFailure(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, job("a")))

	_, err := f.worker.Step(ctx)
	require.NoError(t, err)

	claimed, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Contains(t, claimed.LastError, domain.ErrNoHistory.Error())
}

func TestWorkerRunRecoversOrphanedJobsFirst(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.fetcher.samples = []domain.PriceSample{{Timestamp: t0, Price: 0.5}}
	require.NoError(t, f.queue.Enqueue(ctx, job("orphan")))
	_, err := f.queue.Claim(ctx) // a crashed worker's claim
	require.NoError(t, err)

	f.worker.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	err = f.worker.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), f.worker.Stats().Completed)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, stats)
}

func TestRefresherSingleRefreshUnderContention(t *testing.T) {
	c := newRedis(t)
	hist := newMemHistory()
	hist.delay = 50 * time.Millisecond

	const callers = 8
	outcomes := make([]backfill.Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := backfill.NewRefresher(hist, rediscache.NewLockManager(c), rediscache.NewTimestamps(c), 10*time.Minute, 30*time.Second, discard())
			out, err := r.MaybeRefresh(context.Background())
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), hist.refreshes.Load())
	refreshed := 0
	for _, o := range outcomes {
		if o == backfill.Refreshed {
			refreshed++
		}
	}
	assert.Equal(t, 1, refreshed)
}

func TestRefresherSkipsWhileFresh(t *testing.T) {
	c := newRedis(t)
	hist := newMemHistory()
	ts := rediscache.NewTimestamps(c)
	r := backfill.NewRefresher(hist, rediscache.NewLockManager(c), ts, 10*time.Minute, 30*time.Second, discard())
	now := t0
	r.Now = func() time.Time { return now }
	ctx := context.Background()

	out, err := r.MaybeRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, backfill.Refreshed, out)

	now = now.Add(5 * time.Minute)
	out, err = r.MaybeRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, backfill.SkippedFresh, out)

	now = now.Add(6 * time.Minute)
	out, err = r.MaybeRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, backfill.Refreshed, out)
	assert.Equal(t, int32(2), hist.refreshes.Load())
}

func TestRefresherSkipsWhenLocked(t *testing.T) {
	c := newRedis(t)
	locks := rediscache.NewLockManager(c)
	unlock, err := locks.Acquire(context.Background(), "odds:summary:refresh", time.Minute)
	require.NoError(t, err)
	defer unlock()

	hist := newMemHistory()
	r := backfill.NewRefresher(hist, locks, rediscache.NewTimestamps(c), 0, 0, discard())
	out, err := r.MaybeRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backfill.SkippedLocked, out)
	assert.Zero(t, hist.refreshes.Load())
}

type memMappings struct {
	markets map[string]domain.MarketMapping
}

func (m memMappings) GetByToken(context.Context, string) (domain.TokenMapping, error) {
	return domain.TokenMapping{}, domain.ErrNotFound
}

func (m memMappings) GetMarket(_ context.Context, id string) (domain.MarketMapping, error) {
	mm, ok := m.markets[id]
	if !ok {
		return domain.MarketMapping{}, domain.ErrNotFound
	}
	return mm, nil
}

func (m memMappings) ListActiveTokens(context.Context) ([]domain.TokenMapping, error) { return nil, nil }

func (m memMappings) Upsert(context.Context, domain.MarketMapping) error { return nil }

func TestEnqueuerQueuesActiveTokens(t *testing.T) {
	c := newRedis(t)
	q := rediscache.NewBackfillQueue(c, "backfill")
	mappings := memMappings{markets: map[string]domain.MarketMapping{
		"M": {MarketID: "M", Kind: domain.MarketKindBinary, Active: true, Tokens: []domain.TokenMapping{
			{TokenID: "y", MarketID: "M", Side: domain.SideYes, Active: true},
			{TokenID: "n", MarketID: "M", Side: domain.SideNo, Active: true},
			{TokenID: "old", MarketID: "M", Side: domain.SideYes, Active: false},
		}},
	}}
	e := backfill.NewEnqueuer(q, mappings, discard())
	ctx := context.Background()

	ids, err := e.EnqueueForMarket(ctx, "M", nil)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", first.TokenID)
	assert.Equal(t, "YES", first.OutcomeID)

	_, err = e.EnqueueForMarket(ctx, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e.OnMappingChanged(ctx, domain.MappingChanged{MarketID: "M", Active: false})
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued)
}
