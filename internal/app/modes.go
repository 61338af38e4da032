package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oddsfeed/internal/backfill"
	"github.com/alanyoungcy/oddsfeed/internal/broadcast"
	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/feed"
	"github.com/alanyoungcy/oddsfeed/internal/history"
	"github.com/alanyoungcy/oddsfeed/internal/mapping"
	"github.com/alanyoungcy/oddsfeed/internal/notify"
	"github.com/alanyoungcy/oddsfeed/internal/odds"
	"github.com/alanyoungcy/oddsfeed/internal/platform/polymarket"
	"github.com/alanyoungcy/oddsfeed/internal/server"
	"github.com/alanyoungcy/oddsfeed/internal/server/handler"
	"github.com/alanyoungcy/oddsfeed/internal/server/ws"
	"github.com/alanyoungcy/oddsfeed/internal/ticks"
)

// statusSources collects the /api/status sections of the started components.
type statusSources map[string]handler.StatusSource

func (s statusSources) add(name string, fn func() any) {
	s[name] = func(context.Context) (any, error) { return fn(), nil }
}

// IngestMode streams venue ticks into published odds and serves the API.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	src := statusSources{}
	a.startIngest(ctx, g, deps, hub, src)
	a.startHub(ctx, g, hub, false)
	a.startHTTPServer(ctx, g, deps, hub, src)
	return g.Wait()
}

// WorkerMode drains the backfill queue and keeps the summary view fresh.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)

	src := statusSources{}
	a.startWorker(ctx, g, deps, src)
	return g.Wait()
}

// GatewayMode serves the API and relays bus updates to websocket rooms.
func (a *App) GatewayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting gateway mode")
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	a.startHub(ctx, g, hub, true)
	a.startHTTPServer(ctx, g, deps, hub, statusSources{})
	return g.Wait()
}

// FullMode runs ingest, worker and API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	src := statusSources{}
	a.startIngest(ctx, g, deps, hub, src)
	a.startWorker(ctx, g, deps, src)
	a.startHub(ctx, g, hub, false)
	a.startHTTPServer(ctx, g, deps, hub, src)
	return g.Wait()
}

// run starts fn in g and treats a return caused by shutdown as clean.
func run(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	})
}

func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub, src statusSources) {
	cfg := a.cfg

	var weight odds.WeightFunc = odds.LiquidityWeight
	if cfg.Odds.Weighting == "fixed" {
		weight = odds.FixedWeight(cfg.Odds.FixedWeight)
	}

	recorder := history.NewRecorder(deps.History, cfg.History.LiveBucket.Duration, cfg.History.Throttle.Duration, a.logger)
	broadcaster := broadcast.New(deps.SignalBus, hub, cfg.Broadcast.QueueSize, a.logger)
	enqueuer := backfill.NewEnqueuer(deps.Queue, deps.Mappings, a.logger)

	// The stream is created before the cache so the cache hooks can drive it.
	var stream *feed.Stream
	cache := mapping.NewCache(deps.Mappings, deps.SignalBus, mapping.Hooks{
		// Every reload also retries a parked stream, so an outage longer
		// than the reconnect budget heals at the refresh cadence.
		Tokens: func(tokens []string) {
			stream.SetTokens(tokens)
			stream.Kick()
		},
		Changed: func(ctx context.Context, ev domain.MappingChanged) {
			stream.Kick()
			enqueuer.OnMappingChanged(ctx, ev)
		},
	}, a.logger)

	processor := ticks.NewProcessor(ticks.Deps{
		Mappings:  cache,
		Volumes:   deps.Volumes,
		Markets:   deps.Markets,
		Recorder:  recorder,
		Blender:   odds.NewBlender(weight),
		Publisher: broadcaster,
	}, cfg.Stream.LogSampleEvery, a.logger)

	dispatcher := feed.NewDispatcher(cfg.Stream.DispatchWorkers, cfg.Stream.DispatchQueueSize,
		processor.Handle, cfg.Stream.LogSampleEvery, a.logger)

	stream = feed.NewStream(
		feed.PolymarketDialer(cfg.Polymarket.WsHost, polymarket.WSOptions{
			PingInterval: cfg.Stream.PingInterval.Duration,
			PongGrace:    cfg.Stream.PongGrace.Duration,
		}),
		func(t domain.PriceTick) { dispatcher.Enqueue(t) },
		feed.StreamConfig{
			BreakerThreshold: cfg.Stream.BreakerThreshold,
			BreakerReset:     cfg.Stream.BreakerReset.Duration,
			Backoff: feed.Backoff{
				Base:        cfg.Stream.BackoffBase.Duration,
				Cap:         cfg.Stream.BackoffCap.Duration,
				MaxAttempts: cfg.Stream.MaxAttempts,
			},
			MalformedLimit:  cfg.Stream.MalformedLimit,
			MalformedWindow: cfg.Stream.MalformedWindow.Duration,
			LogSampleEvery:  cfg.Stream.LogSampleEvery,
		},
		a.logger,
	)
	stream.OnBreakerOpen = a.breakerAlert(ctx, deps.Notifier)

	// Subscribe the whole active set in the first connect.
	if _, err := cache.Reload(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial mapping load failed, stream starts empty", slog.String("error", err.Error()))
	}

	run(ctx, g, "broadcaster", broadcaster.Run)
	run(ctx, g, "dispatcher", dispatcher.Run)
	run(ctx, g, "stream", stream.Run)
	run(ctx, g, "mapping watch", cache.Watch)
	run(ctx, g, "mapping refresh", func(ctx context.Context) error {
		return cache.RunRefresh(ctx, cfg.Mapping.RefreshInterval.Duration)
	})
	run(ctx, g, "history janitor", func(ctx context.Context) error {
		return recorder.RunJanitor(ctx, 10*time.Minute)
	})

	src.add("stream", func() any { return stream.Status() })
	src.add("dispatcher", func() any { return dispatcher.Stats() })
	src.add("processor", func() any { return processor.Stats() })
	src.add("broadcaster", func() any { return broadcaster.Stats() })
	src.add("mapping", func() any { return cache.Stats() })
}

// breakerAlert notifies operators off the supervisor goroutine.
func (a *App) breakerAlert(ctx context.Context, n *notify.Notifier) func(feed.BreakerSnapshot, error) {
	if !n.Enabled() {
		return nil
	}
	return func(snap feed.BreakerSnapshot, cause error) {
		msg := fmt.Sprintf("venue stream breaker opened after %d failures", snap.Failures)
		if cause != nil {
			msg += ": " + cause.Error()
		}
		go func() {
			nctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := n.Notify(nctx, notify.EventBreakerOpen, "Odds stream degraded", msg); err != nil {
				a.logger.Warn("breaker alert failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies, src statusSources) {
	cfg := a.cfg.Backfill

	wdeps := backfill.WorkerDeps{
		Queue:   deps.Queue,
		Fetcher: deps.HistoryClient,
		History: deps.History,
		Limiter: deps.RateLimiter,
	}
	if deps.DeadLetters != nil {
		wdeps.Archiver = deps.DeadLetters
	}
	if deps.Notifier.Enabled() {
		wdeps.Alerter = deps.Notifier
	}
	worker := backfill.NewWorker(backfill.WorkerConfig{
		MaxAttempts:   cfg.MaxAttempts,
		IdleInterval:  cfg.IdleInterval.Duration,
		InterJobDelay: cfg.InterJobDelay.Duration,
		FetchTimeout:  cfg.FetchTimeout.Duration,
		Interval:      cfg.Interval,
		BucketWidth:   a.cfg.History.BackfillBucket.Duration,
		SharedLimit:   cfg.SharedLimit,
		SharedWindow:  cfg.SharedWindow.Duration,
	}, wdeps, a.logger)

	refresher := backfill.NewRefresher(deps.History, deps.LockManager, deps.Timestamps,
		a.cfg.Refresh.Staleness.Duration, a.cfg.Refresh.LockTTL.Duration, a.logger)

	if cfg.EnqueueOnStart {
		a.enqueueActive(ctx, deps)
	}

	run(ctx, g, "backfill worker", worker.Run)
	run(ctx, g, "summary refresher", func(ctx context.Context) error {
		return refresher.Run(ctx, a.cfg.Refresh.CheckEvery.Duration)
	})

	src.add("worker", func() any { return worker.Stats() })
	src["queue"] = func(ctx context.Context) (any, error) { return deps.Queue.Stats(ctx) }
}

// enqueueActive queues a backfill for every market with an active token.
func (a *App) enqueueActive(ctx context.Context, deps *Dependencies) {
	tokens, err := deps.Mappings.ListActiveTokens(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "enqueue on start: list tokens failed", slog.String("error", err.Error()))
		return
	}
	enqueuer := backfill.NewEnqueuer(deps.Queue, deps.Mappings, a.logger)
	seen := make(map[string]bool)
	for _, tm := range tokens {
		if seen[tm.MarketID] {
			continue
		}
		seen[tm.MarketID] = true
		if _, err := enqueuer.EnqueueForMarket(ctx, tm.MarketID, nil); err != nil {
			a.logger.WarnContext(ctx, "enqueue on start failed", slog.String("market_id", tm.MarketID), slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "enqueued startup backfills", slog.Int("markets", len(seen)))
}

func (a *App) startHub(ctx context.Context, g *errgroup.Group, hub *ws.Hub, relay bool) {
	run(ctx, g, "ws hub", func(ctx context.Context) error { return hub.Run(ctx, relay) })
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub, src statusSources) {
	if !a.cfg.Server.Enabled {
		return
	}
	if _, ok := src["queue"]; !ok {
		src["queue"] = func(ctx context.Context) (any, error) { return deps.Queue.Stats(ctx) }
	}
	src.add("hub", func() any { return hub.Stats() })
	for name, fn := range deps.Pools {
		src[name] = fn
	}

	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminAPIKey: a.cfg.Server.AdminAPIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, a.startedAt, src, a.logger),
		Markets:  handler.NewMarketHandler(deps.Markets, deps.History, a.logger),
		Backfill: handler.NewBackfillHandler(backfill.NewEnqueuer(deps.Queue, deps.Mappings, a.logger), a.logger),
		Hub:      hub,
	}, deps.RateLimiter, a.logger)

	run(ctx, g, "http server", srv.Run)
}
