// Package config loads engine configuration from an optional TOML file with
// POSSYNC_* environment overrides on top. Environment always wins, so a
// container deployment can run without any file at all.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML duration strings like "5m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Downstream  DownstreamConfig  `toml:"downstream"`
	Resilience  ResilienceConfig  `toml:"resilience"`
	DLQ         DLQConfig         `toml:"dlq"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	Sync        SyncConfig        `toml:"sync"`
	Auth        AuthConfig        `toml:"auth"`
	Log         LogConfig         `toml:"log"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN         string `toml:"dsn"`
	MaxConns    int32  `toml:"max_conns"`
	MinConns    int32  `toml:"min_conns"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

// UpstreamConfig identifies the point-of-sale catalog endpoint.
type UpstreamConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout Duration `toml:"timeout"`
}

// DownstreamConfig identifies the delivery platform endpoint.
type DownstreamConfig struct {
	BaseURL    string   `toml:"base_url"`
	VendorCode string   `toml:"vendor_code"`
	APIKey     string   `toml:"api_key"`
	Timeout    Duration `toml:"timeout"`
}

// ResilienceConfig tunes the submission retry/circuit policy.
type ResilienceConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	BaseDelay         Duration `toml:"base_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	JitterFactor      float64  `toml:"jitter_factor"`
	CircuitThreshold  int      `toml:"circuit_threshold"`
	CircuitOpenFor    Duration `toml:"circuit_open_for"`
	OperationTimeout  Duration `toml:"operation_timeout"`
}

// DLQConfig tunes capture retention and the auto-retry pass.
type DLQConfig struct {
	Retention     Duration `toml:"retention"`
	MessageTTL    Duration `toml:"message_ttl"`
	RetryInterval Duration `toml:"retry_interval"`
	RetryMaxAge   Duration `toml:"retry_max_age"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryBatch    int      `toml:"retry_batch"`
}

// IdempotencyConfig tunes the execution guard.
type IdempotencyConfig struct {
	LockStaleAfter  Duration `toml:"lock_stale_after"`
	LockRetention   Duration `toml:"lock_retention"`
	HashRetention   Duration `toml:"hash_retention"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

// SyncConfig tunes the pipeline and the scheduler.
type SyncConfig struct {
	Interval       Duration `toml:"interval"`
	ChunkThreshold int      `toml:"chunk_threshold"`
	BatchSize      int      `toml:"batch_size"`
	BatchWorkers   int      `toml:"batch_workers"`

	// Scopes lists "account/location" pairs the worker schedules.
	Scopes []string `toml:"scopes"`
}

// AuthConfig holds admin API authentication settings.
type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the production defaults documented in the README.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			MaxConns:    10,
			MinConns:    2,
			AutoMigrate: true,
		},
		Upstream: UpstreamConfig{
			Timeout: Duration(30 * time.Second),
		},
		Downstream: DownstreamConfig{
			Timeout: Duration(30 * time.Second),
		},
		Resilience: ResilienceConfig{
			MaxAttempts:       3,
			BaseDelay:         Duration(time.Second),
			MaxDelay:          Duration(5 * time.Minute),
			BackoffMultiplier: 2.0,
			JitterFactor:      0.1,
			CircuitThreshold:  5,
			CircuitOpenFor:    Duration(time.Minute),
			OperationTimeout:  Duration(2 * time.Minute),
		},
		DLQ: DLQConfig{
			Retention:     Duration(7 * 24 * time.Hour),
			MessageTTL:    Duration(30 * 24 * time.Hour),
			RetryInterval: Duration(5 * time.Minute),
			RetryMaxAge:   Duration(24 * time.Hour),
			RetryAttempts: 5,
			RetryBatch:    50,
		},
		Idempotency: IdempotencyConfig{
			LockStaleAfter:  Duration(2 * time.Hour),
			LockRetention:   Duration(24 * time.Hour),
			HashRetention:   Duration(7 * 24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
		},
		Sync: SyncConfig{
			Interval:       Duration(15 * time.Minute),
			ChunkThreshold: 200,
			BatchSize:      50,
			BatchWorkers:   4,
		},
		Auth: AuthConfig{
			// Placeholder for local development; override in production.
			JWTSecret: "possync-dev-secret",
			TokenTTL:  Duration(24 * time.Hour),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (skipped when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// File is optional.
		case err != nil:
			return nil, fmt.Errorf("open config file: %w", err)
		default:
			defer f.Close()
			if err := cfg.read(f); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) read(r io.Reader) error {
	if _, err := toml.NewDecoder(r).Decode(c); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Downstream.VendorCode == "" {
		return fmt.Errorf("config: downstream.vendor_code is required")
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("config: resilience.max_attempts must be at least 1")
	}
	if c.DLQ.RetryAttempts < 1 {
		return fmt.Errorf("config: dlq.retry_attempts must be at least 1")
	}
	return nil
}

// applyEnv overlays POSSYNC_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "POSSYNC_SERVER_ADDR")
	setString(&c.Database.DSN, "POSSYNC_DATABASE_URL")
	setInt32(&c.Database.MaxConns, "POSSYNC_DATABASE_MAX_CONNS")
	setBool(&c.Database.AutoMigrate, "POSSYNC_DATABASE_AUTO_MIGRATE")

	setString(&c.Upstream.BaseURL, "POSSYNC_UPSTREAM_URL")
	setString(&c.Upstream.APIKey, "POSSYNC_UPSTREAM_API_KEY")
	setDuration(&c.Upstream.Timeout, "POSSYNC_UPSTREAM_TIMEOUT")

	setString(&c.Downstream.BaseURL, "POSSYNC_DOWNSTREAM_URL")
	setString(&c.Downstream.VendorCode, "POSSYNC_VENDOR_CODE")
	setString(&c.Downstream.APIKey, "POSSYNC_DOWNSTREAM_API_KEY")
	setDuration(&c.Downstream.Timeout, "POSSYNC_DOWNSTREAM_TIMEOUT")

	setInt(&c.Resilience.MaxAttempts, "POSSYNC_RETRY_MAX_ATTEMPTS")
	setDuration(&c.Resilience.BaseDelay, "POSSYNC_RETRY_BASE_DELAY")
	setDuration(&c.Resilience.MaxDelay, "POSSYNC_RETRY_MAX_DELAY")
	setInt(&c.Resilience.CircuitThreshold, "POSSYNC_CIRCUIT_THRESHOLD")
	setDuration(&c.Resilience.CircuitOpenFor, "POSSYNC_CIRCUIT_OPEN_FOR")

	setDuration(&c.DLQ.Retention, "POSSYNC_DLQ_RETENTION")
	setDuration(&c.DLQ.RetryInterval, "POSSYNC_DLQ_RETRY_INTERVAL")
	setInt(&c.DLQ.RetryAttempts, "POSSYNC_DLQ_RETRY_ATTEMPTS")
	setInt(&c.DLQ.RetryBatch, "POSSYNC_DLQ_RETRY_BATCH")

	setDuration(&c.Idempotency.LockStaleAfter, "POSSYNC_LOCK_STALE_AFTER")

	setDuration(&c.Sync.Interval, "POSSYNC_SYNC_INTERVAL")
	setInt(&c.Sync.ChunkThreshold, "POSSYNC_SYNC_CHUNK_THRESHOLD")
	setInt(&c.Sync.BatchSize, "POSSYNC_SYNC_BATCH_SIZE")
	setInt(&c.Sync.BatchWorkers, "POSSYNC_SYNC_BATCH_WORKERS")

	setString(&c.Auth.JWTSecret, "POSSYNC_JWT_SECRET")

	setString(&c.Log.Level, "POSSYNC_LOG_LEVEL")
	setBool(&c.Log.Development, "POSSYNC_LOG_DEVELOPMENT")
}

func setString(dst *string, key string) {
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
