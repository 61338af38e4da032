package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/server"
	"github.com/alanyoungcy/oddsfeed/internal/server/handler"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMarkets struct{}

func (fakeMarkets) UpdateBinaryOdds(context.Context, string, float64, float64, domain.OddsSource, time.Time) error {
	return nil
}

func (fakeMarkets) UpdateOutcomeOdds(context.Context, string, string, float64, domain.OddsSource, time.Time) error {
	return nil
}

func (fakeMarkets) GetOdds(_ context.Context, id string) (domain.MarketOdds, error) {
	if id != "M" {
		return domain.MarketOdds{}, domain.ErrNotFound
	}
	return domain.MarketOdds{MarketID: "M", Kind: domain.MarketKindBinary, Yes: 0.7, No: 0.3, Source: domain.SourceExternal}, nil
}

type fakeHistory struct {
	last domain.HistoryQuery
}

func (f *fakeHistory) Upsert(context.Context, domain.OddsHistoryPoint) error { return nil }

func (f *fakeHistory) InsertSkipExisting(context.Context, []domain.OddsHistoryPoint) (int64, error) {
	return 0, nil
}

func (f *fakeHistory) List(_ context.Context, q domain.HistoryQuery) ([]domain.OddsHistoryPoint, error) {
	f.last = q
	return []domain.OddsHistoryPoint{{MarketID: q.MarketID, OutcomeID: "YES", Price: 0.5}}, nil
}

func (f *fakeHistory) RefreshSummary(context.Context) error { return nil }

type fakeEnqueuer struct{ calls int }

func (f *fakeEnqueuer) EnqueueForMarket(_ context.Context, id string, _ *time.Time) ([]string, error) {
	f.calls++
	if id != "M" {
		return nil, domain.ErrNotFound
	}
	return []string{"job-1", "job-2"}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyLimiter) Wait(context.Context, string, int, time.Duration) error        { return nil }

type fixture struct {
	srv  *httptest.Server
	hist *fakeHistory
	enq  *fakeEnqueuer
}

func newFixture(t *testing.T, cfg server.Config, limiter domain.RateLimiter, checks map[string]handler.Check) *fixture {
	t.Helper()
	f := &fixture{hist: &fakeHistory{}, enq: &fakeEnqueuer{}}
	mux := server.NewMux(cfg, server.Handlers{
		Health: handler.NewHealthHandler(checks, discard()),
		Status: handler.NewStatusHandler("full", time.Now(), map[string]handler.StatusSource{
			"queue": func(context.Context) (any, error) { return domain.QueueStats{Queued: 3}, nil },
			"stream": func(context.Context) (any, error) {
				return nil, errors.New("not running")
			},
		}, discard()),
		Markets:  handler.NewMarketHandler(fakeMarkets{}, f.hist, discard()),
		Backfill: handler.NewBackfillHandler(f.enq, discard()),
	}, limiter, discard())
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t, server.Config{}, nil, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	})
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/health", &body))
	assert.Equal(t, "ok", body["status"])

	f = newFixture(t, server.Config{}, nil, map[string]handler.Check{
		"redis": func(context.Context) error { return errors.New("down") },
	})
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, f.srv.URL+"/api/health", &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestStatusReportsSources(t *testing.T) {
	f := newFixture(t, server.Config{}, nil, nil)
	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/status", &body))
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, float64(3), body["queue"].(map[string]any)["queued"])
	assert.Equal(t, "not running", body["stream"].(map[string]any)["error"])
}

func TestMarketOdds(t *testing.T) {
	f := newFixture(t, server.Config{}, nil, nil)
	var odds domain.MarketOdds
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/markets/M/odds", &odds))
	assert.InDelta(t, 0.7, odds.Yes, 1e-9)

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/api/markets/X/odds", nil))
}

func TestMarketHistoryQuery(t *testing.T) {
	f := newFixture(t, server.Config{}, nil, nil)
	var body struct {
		MarketID string                    `json:"marketId"`
		Points   []domain.OddsHistoryPoint `json:"points"`
	}
	code := getJSON(t, f.srv.URL+"/api/markets/M/history?outcome=YES&from=1767225600&to=2026-01-02T00:00:00Z&limit=99999", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Points, 1)

	assert.Equal(t, "M", f.hist.last.MarketID)
	assert.Equal(t, "YES", f.hist.last.OutcomeID)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), f.hist.last.From)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), f.hist.last.To)
	assert.Equal(t, 5000, f.hist.last.Limit)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.srv.URL+"/api/markets/M/history?from=yesterday", nil))
}

func postBackfill(t *testing.T, f *fixture, body, key string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/backfill", bytes.NewBufferString(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestBackfillTrigger(t *testing.T) {
	f := newFixture(t, server.Config{AdminAPIKey: "secret"}, nil, nil)

	code, _ := postBackfill(t, f, `{"marketId":"M"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Zero(t, f.enq.calls)

	code, body := postBackfill(t, f, `{"marketId":"M"}`, "secret")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Len(t, body["jobs"], 2)

	code, _ = postBackfill(t, f, `{"marketId":"nope"}`, "secret")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = postBackfill(t, f, `{}`, "secret")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRateLimitRejects(t *testing.T) {
	f := newFixture(t, server.Config{RateLimit: 10}, denyLimiter{}, nil)
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, f.srv.URL+"/api/status", nil))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, server.Config{CORSOrigins: []string{"http://dash.local"}}, nil, nil)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://dash.local", resp.Header.Get("Access-Control-Allow-Origin"))
}
