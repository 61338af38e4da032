package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/oddsfeed/internal/blob/s3"
	"github.com/alanyoungcy/oddsfeed/internal/cache/redis"
	"github.com/alanyoungcy/oddsfeed/internal/config"
	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/notify"
	"github.com/alanyoungcy/oddsfeed/internal/platform/polymarket"
	"github.com/alanyoungcy/oddsfeed/internal/server/handler"
	"github.com/alanyoungcy/oddsfeed/internal/store/postgres"
)

// Dependencies bundles the adapters every mode draws from. It is built by
// Wire and released by the returned cleanup function.
type Dependencies struct {
	// Stores
	Mappings domain.MappingStore
	Markets  domain.MarketStore
	History  domain.HistoryStore
	Volumes  domain.VolumeStore

	// Shared state
	Queue       domain.JobQueue
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Timestamps  domain.Timestamps

	// Venue
	HistoryClient *polymarket.HistoryClient

	// Dead-letter archive; nil when no bucket is configured.
	DeadLetters *s3blob.DeadLetterArchive

	Notifier *notify.Notifier

	// Checks back GET /api/health.
	Checks map[string]handler.Check
	// Pools report connection pool counters on GET /api/status.
	Pools map[string]handler.StatusSource
}

// needsS3 reports whether the mode runs the backfill worker.
func needsS3(mode string) bool {
	return mode == "worker" || mode == "full"
}

// Wire connects to Postgres, Redis and, when configured, S3.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Checks: make(map[string]handler.Check),
		Pools:  make(map[string]handler.StatusSource),
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Mappings = postgres.NewMappingStore(pool)
	deps.Markets = postgres.NewMarketStore(pool)
	deps.History = postgres.NewHistoryStore(pool)
	deps.Volumes = postgres.NewVolumeStore(pool)
	deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	deps.Pools["postgres_pool"] = func(context.Context) (any, error) { return pgClient.PoolStats(), nil }

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Queue = redis.NewBackfillQueue(redisClient, "backfill")
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Timestamps = redis.NewTimestamps(redisClient)
	deps.Checks["redis"] = redisClient.Ping
	deps.Pools["redis_pool"] = func(context.Context) (any, error) { return redisClient.PoolStats(), nil }

	deps.HistoryClient = polymarket.NewHistoryClient(cfg.Polymarket.ClobHost, polymarket.HistoryOptions{
		RPS:      cfg.Polymarket.HistoryRPS,
		Burst:    cfg.Polymarket.HistoryBurst,
		Timeout:  cfg.Polymarket.HistoryTimeout.Duration,
		Fidelity: cfg.Backfill.Fidelity,
	})

	// --- S3 (optional) ---
	if cfg.S3.Bucket != "" && needsS3(cfg.Mode) {
		archive, err := NewDeadLetterArchive(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.DeadLetters = archive
	}

	deps.Notifier = NewNotifier(cfg.Notify, logger)

	return deps, cleanup, nil
}

// NewDeadLetterArchive connects to the configured bucket.
func NewDeadLetterArchive(ctx context.Context, cfg config.S3Config) (*s3blob.DeadLetterArchive, error) {
	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		Bucket:         cfg.Bucket,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		UseSSL:         cfg.UseSSL,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3blob.NewDeadLetterArchive(s3blob.NewWriter(client), cfg.Prefix), nil
}

// NewNotifier builds a Notifier from whichever channels are configured.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}
