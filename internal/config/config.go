// Package config defines the top-level configuration for the odds feed
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ODDSFEED_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Stream     StreamConfig     `toml:"stream"`
	Mapping    MappingConfig    `toml:"mapping"`
	Odds       OddsConfig       `toml:"odds"`
	History    HistoryConfig    `toml:"history"`
	Broadcast  BroadcastConfig  `toml:"broadcast"`
	Backfill   BackfillConfig   `toml:"backfill"`
	Refresh    RefreshConfig    `toml:"refresh"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds the venue endpoints.
type PolymarketConfig struct {
	ClobHost       string   `toml:"clob_host"`
	WsHost         string   `toml:"ws_host"`
	HistoryRPS     float64  `toml:"history_rps"`
	HistoryBurst   int      `toml:"history_burst"`
	HistoryTimeout duration `toml:"history_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters. Archiving dead
// letters is disabled when Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// StreamConfig tunes the venue streaming client.
type StreamConfig struct {
	BreakerThreshold  int      `toml:"breaker_threshold"`
	BreakerReset      duration `toml:"breaker_reset"`
	BackoffBase       duration `toml:"backoff_base"`
	BackoffCap        duration `toml:"backoff_cap"`
	MaxAttempts       int      `toml:"max_attempts"`
	PingInterval      duration `toml:"ping_interval"`
	PongGrace         duration `toml:"pong_grace"`
	MalformedLimit    int      `toml:"malformed_limit"`
	MalformedWindow   duration `toml:"malformed_window"`
	LogSampleEvery    int      `toml:"log_sample_every"`
	DispatchWorkers   int      `toml:"dispatch_workers"`
	DispatchQueueSize int      `toml:"dispatch_queue_size"`
}

// MappingConfig tunes the mapping cache.
type MappingConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
}

// OddsConfig selects the blend weighting policy.
type OddsConfig struct {
	// Weighting is "liquidity" (v/(v+L)) or "fixed".
	Weighting   string  `toml:"weighting"`
	FixedWeight float64 `toml:"fixed_weight"`
}

// HistoryConfig tunes the history recorder.
type HistoryConfig struct {
	LiveBucket     duration `toml:"live_bucket"`
	BackfillBucket duration `toml:"backfill_bucket"`
	Throttle       duration `toml:"throttle"`
}

// BroadcastConfig tunes the fan-out broadcaster.
type BroadcastConfig struct {
	QueueSize int `toml:"queue_size"`
}

// BackfillConfig tunes the backfill worker.
type BackfillConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	IdleInterval   duration `toml:"idle_interval"`
	InterJobDelay  duration `toml:"inter_job_delay"`
	FetchTimeout   duration `toml:"fetch_timeout"`
	Interval       string   `toml:"interval"`
	Fidelity       int      `toml:"fidelity"`
	SharedLimit    int      `toml:"shared_limit"`
	SharedWindow   duration `toml:"shared_window"`
	EnqueueOnStart bool     `toml:"enqueue_on_start"`
}

// RefreshConfig tunes the summary-view refresher.
type RefreshConfig struct {
	Staleness  duration `toml:"staleness"`
	LockTTL    duration `toml:"lock_ttl"`
	CheckEvery duration `toml:"check_every"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AdminAPIKey string   `toml:"admin_api_key"`
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			WsHost:         "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			HistoryRPS:     5,
			HistoryBurst:   2,
			HistoryTimeout: duration{20 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Prefix:         "dead-letters",
			ForcePathStyle: true,
		},
		Stream: StreamConfig{
			BreakerThreshold:  5,
			BreakerReset:      duration{60 * time.Second},
			BackoffBase:       duration{time.Second},
			BackoffCap:        duration{30 * time.Second},
			MaxAttempts:       10,
			PingInterval:      duration{10 * time.Second},
			PongGrace:         duration{30 * time.Second},
			MalformedLimit:    50,
			MalformedWindow:   duration{10 * time.Second},
			LogSampleEvery:    100,
			DispatchWorkers:   8,
			DispatchQueueSize: 1024,
		},
		Mapping: MappingConfig{
			RefreshInterval: duration{5 * time.Minute},
		},
		Odds: OddsConfig{
			Weighting:   "liquidity",
			FixedWeight: 0.5,
		},
		History: HistoryConfig{
			LiveBucket:     duration{5 * time.Minute},
			BackfillBucket: duration{30 * time.Minute},
			Throttle:       duration{30 * time.Second},
		},
		Broadcast: BroadcastConfig{
			QueueSize: 4096,
		},
		Backfill: BackfillConfig{
			MaxAttempts:   3,
			IdleInterval:  duration{5 * time.Second},
			InterJobDelay: duration{time.Second},
			FetchTimeout:  duration{30 * time.Second},
			Interval:      "max",
			Fidelity:      30,
			SharedLimit:   10,
			SharedWindow:  duration{time.Second},
		},
		Refresh: RefreshConfig{
			Staleness:  duration{10 * time.Minute},
			LockTTL:    duration{30 * time.Second},
			CheckEvery: duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"dead_letter", "breaker_open"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"ingest":  true,
	"worker":  true,
	"gateway": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validIntervals = map[string]bool{
	"max": true, "1m": true, "1h": true, "6h": true, "1d": true, "1w": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, worker, gateway, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Polymarket
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.HistoryRPS <= 0 {
		errs = append(errs, "polymarket: history_rps must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is optional, but a bucket needs a region.
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	// Stream
	if c.Stream.BreakerThreshold < 1 {
		errs = append(errs, "stream: breaker_threshold must be >= 1")
	}
	if c.Stream.BreakerReset.Duration <= 0 {
		errs = append(errs, "stream: breaker_reset must be > 0")
	}
	if c.Stream.BackoffBase.Duration <= 0 || c.Stream.BackoffCap.Duration < c.Stream.BackoffBase.Duration {
		errs = append(errs, "stream: backoff_base must be > 0 and <= backoff_cap")
	}
	if c.Stream.PingInterval.Duration <= 0 || c.Stream.PongGrace.Duration <= c.Stream.PingInterval.Duration {
		errs = append(errs, "stream: pong_grace must exceed ping_interval")
	}
	if c.Stream.DispatchWorkers < 1 {
		errs = append(errs, "stream: dispatch_workers must be >= 1")
	}

	// Odds
	switch c.Odds.Weighting {
	case "liquidity":
	case "fixed":
		if c.Odds.FixedWeight < 0 || c.Odds.FixedWeight > 1 {
			errs = append(errs, "odds: fixed_weight must be within [0,1]")
		}
	default:
		errs = append(errs, fmt.Sprintf("odds: unknown weighting %q (valid: liquidity, fixed)", c.Odds.Weighting))
	}

	// History
	if c.History.LiveBucket.Duration <= 0 || c.History.BackfillBucket.Duration <= 0 {
		errs = append(errs, "history: bucket widths must be > 0")
	}

	// Backfill
	if c.Backfill.MaxAttempts < 1 {
		errs = append(errs, "backfill: max_attempts must be >= 1")
	}
	if !validIntervals[c.Backfill.Interval] {
		errs = append(errs, fmt.Sprintf("backfill: unknown interval %q", c.Backfill.Interval))
	}
	if c.Backfill.FetchTimeout.Duration <= 0 {
		errs = append(errs, "backfill: fetch_timeout must be > 0")
	}

	// Refresh
	if c.Refresh.LockTTL.Duration <= 0 {
		errs = append(errs, "refresh: lock_ttl must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
