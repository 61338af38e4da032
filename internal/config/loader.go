package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ODDSFEED_* environment variable overrides, and
// returns the final Config. A missing file is not an error: defaults plus
// environment are used. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ODDSFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "ODDSFEED_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "ODDSFEED_POLYMARKET_WS_HOST")
	setFloat64(&cfg.Polymarket.HistoryRPS, "ODDSFEED_POLYMARKET_HISTORY_RPS")
	setDuration(&cfg.Polymarket.HistoryTimeout, "ODDSFEED_POLYMARKET_HISTORY_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ODDSFEED_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ODDSFEED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ODDSFEED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ODDSFEED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ODDSFEED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ODDSFEED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ODDSFEED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ODDSFEED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ODDSFEED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ODDSFEED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ODDSFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ODDSFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ODDSFEED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ODDSFEED_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ODDSFEED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ODDSFEED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ODDSFEED_S3_REGION")
	setStr(&cfg.S3.Bucket, "ODDSFEED_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "ODDSFEED_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "ODDSFEED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ODDSFEED_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "ODDSFEED_S3_FORCE_PATH_STYLE")

	// ── Stream ──
	setInt(&cfg.Stream.BreakerThreshold, "ODDSFEED_STREAM_BREAKER_THRESHOLD")
	setDuration(&cfg.Stream.BreakerReset, "ODDSFEED_STREAM_BREAKER_RESET")
	setDuration(&cfg.Stream.BackoffBase, "ODDSFEED_STREAM_BACKOFF_BASE")
	setDuration(&cfg.Stream.BackoffCap, "ODDSFEED_STREAM_BACKOFF_CAP")
	setInt(&cfg.Stream.MaxAttempts, "ODDSFEED_STREAM_MAX_ATTEMPTS")
	setInt(&cfg.Stream.DispatchWorkers, "ODDSFEED_STREAM_DISPATCH_WORKERS")

	// ── Mapping / odds / history ──
	setDuration(&cfg.Mapping.RefreshInterval, "ODDSFEED_MAPPING_REFRESH_INTERVAL")
	setStr(&cfg.Odds.Weighting, "ODDSFEED_ODDS_WEIGHTING")
	setFloat64(&cfg.Odds.FixedWeight, "ODDSFEED_ODDS_FIXED_WEIGHT")
	setDuration(&cfg.History.Throttle, "ODDSFEED_HISTORY_THROTTLE")

	// ── Backfill / refresh ──
	setInt(&cfg.Backfill.MaxAttempts, "ODDSFEED_BACKFILL_MAX_ATTEMPTS")
	setDuration(&cfg.Backfill.IdleInterval, "ODDSFEED_BACKFILL_IDLE_INTERVAL")
	setDuration(&cfg.Backfill.InterJobDelay, "ODDSFEED_BACKFILL_INTER_JOB_DELAY")
	setDuration(&cfg.Backfill.FetchTimeout, "ODDSFEED_BACKFILL_FETCH_TIMEOUT")
	setBool(&cfg.Backfill.EnqueueOnStart, "ODDSFEED_BACKFILL_ENQUEUE_ON_START")
	setDuration(&cfg.Refresh.Staleness, "ODDSFEED_REFRESH_STALENESS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ODDSFEED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ODDSFEED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ODDSFEED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "ODDSFEED_SERVER_ADMIN_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ODDSFEED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ODDSFEED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ODDSFEED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ODDSFEED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ODDSFEED_MODE")
	setStr(&cfg.LogLevel, "ODDSFEED_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
