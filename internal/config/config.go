// Package config loads and validates configuration at startup.
// Fail-fast: if a required variable is missing, the process exits.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all runtime configuration for the vagas service.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	ForceLoad ForceLoadConfig `yaml:"force_load"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig holds the consumer API and health endpoints.
type HTTPConfig struct {
	Port         string        `yaml:"port"          env:"VAGAS_PORT"          env-default:"8083"`
	GRPCPort     string        `yaml:"grpc_port"     env:"VAGAS_GRPC_PORT"     env-default:"9083"`
	ReadTimeout  time.Duration `yaml:"read_timeout"  env:"VAGAS_READ_TIMEOUT"  env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"VAGAS_WRITE_TIMEOUT" env-default:"10s"`
}

// DatabaseConfig holds both credential tiers of the hosted Postgres.
// AdminURL is optional; without it RLS denials are terminal.
type DatabaseConfig struct {
	URL      string `yaml:"url"       env:"DATABASE_URL"       env-required:"true"`
	AdminURL string `yaml:"admin_url" env:"DATABASE_ADMIN_URL"`
	MaxConns int32  `yaml:"max_conns" env:"DATABASE_MAX_CONNS" env-default:"10"`
	MinConns int32  `yaml:"min_conns" env:"DATABASE_MIN_CONNS" env-default:"1"`
}

// RedisConfig is only required when the realtime transport is "redis".
type RedisConfig struct {
	URL     string `yaml:"url"     env:"REDIS_URL"`
	Channel string `yaml:"channel" env:"REDIS_CHANGE_CHANNEL" env-default:"EVENT_VAGA_CHANGED"`
}

// RealtimeConfig drives the change-feed subscriptions.
type RealtimeConfig struct {
	Transport        string        `yaml:"transport"         env:"REALTIME_TRANSPORT"         env-default:"postgres"`
	NotifyChannel    string        `yaml:"notify_channel"    env:"REALTIME_NOTIFY_CHANNEL"    env-default:"vagas_changes"`
	MaxRetries       int           `yaml:"max_retries"       env:"REALTIME_MAX_RETRIES"       env-default:"3"`
	BaseBackoff      time.Duration `yaml:"base_backoff"      env:"REALTIME_BASE_BACKOFF"      env-default:"1s"`
	MaxBackoff       time.Duration `yaml:"max_backoff"       env:"REALTIME_MAX_BACKOFF"       env-default:"10s"`
	PollInterval     time.Duration `yaml:"poll_interval"     env:"REALTIME_POLL_INTERVAL"     env-default:"30s"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout" env:"REALTIME_SUBSCRIBE_TIMEOUT" env-default:"10s"`
}

// ForceLoadConfig tunes the initial bulk read.
type ForceLoadConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"FORCE_LOAD_MAX_RETRIES" env-default:"3"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"FORCE_LOAD_RETRY_DELAY" env-default:"1s"`
	Timeout    time.Duration `yaml:"timeout"     env:"FORCE_LOAD_TIMEOUT"     env-default:"10s"`
	RowLimit   int           `yaml:"row_limit"   env:"FORCE_LOAD_ROW_LIMIT"   env-default:"1000"`
}

// RefreshConfig drives the auto-refresh scheduler.
type RefreshConfig struct {
	Enabled         bool          `yaml:"enabled"          env:"REFRESH_ENABLED"          env-default:"true"`
	Interval        time.Duration `yaml:"interval"         env:"REFRESH_INTERVAL"         env-default:"5m"`
	MinInterval     time.Duration `yaml:"min_interval"     env:"REFRESH_MIN_INTERVAL"     env-default:"10s"`
	HiddenThreshold time.Duration `yaml:"hidden_threshold" env:"REFRESH_HIDDEN_THRESHOLD" env-default:"60s"`
	OnVisible       bool          `yaml:"on_visible"       env:"REFRESH_ON_VISIBLE"       env-default:"true"`
	RequireViewers  bool          `yaml:"require_viewers"  env:"REFRESH_REQUIRE_VIEWERS"  env-default:"false"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Realtime transports.
const (
	TransportPostgres = "postgres"
	TransportRedis    = "redis"
)

// Load reads configuration from an optional YAML file and environment
// variables (ENV > YAML > defaults) and returns a validated Config.
// The file path comes from CONFIG_PATH, falling back to ./config.yaml.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values cleanenv cannot express as tags.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.Realtime.Transport {
	case TransportPostgres:
	case TransportRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_TRANSPORT=redis")
		}
	default:
		return fmt.Errorf("REALTIME_TRANSPORT must be %q or %q, got %q",
			TransportPostgres, TransportRedis, c.Realtime.Transport)
	}

	if c.Realtime.MaxRetries < 1 {
		return fmt.Errorf("REALTIME_MAX_RETRIES must be a positive integer, got %d", c.Realtime.MaxRetries)
	}
	if c.ForceLoad.MaxRetries < 1 {
		return fmt.Errorf("FORCE_LOAD_MAX_RETRIES must be a positive integer, got %d", c.ForceLoad.MaxRetries)
	}
	if c.ForceLoad.RowLimit < 1 {
		return fmt.Errorf("FORCE_LOAD_ROW_LIMIT must be a positive integer, got %d", c.ForceLoad.RowLimit)
	}

	durations := []struct {
		name string
		v    time.Duration
	}{
		{"REALTIME_BASE_BACKOFF", c.Realtime.BaseBackoff},
		{"REALTIME_MAX_BACKOFF", c.Realtime.MaxBackoff},
		{"REALTIME_POLL_INTERVAL", c.Realtime.PollInterval},
		{"REALTIME_SUBSCRIBE_TIMEOUT", c.Realtime.SubscribeTimeout},
		{"FORCE_LOAD_TIMEOUT", c.ForceLoad.Timeout},
		{"REFRESH_INTERVAL", c.Refresh.Interval},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.v)
		}
	}
	if c.ForceLoad.RetryDelay < 0 || c.Refresh.MinInterval < 0 || c.Refresh.HiddenThreshold < 0 {
		return fmt.Errorf("retry delay, refresh min interval and hidden threshold must not be negative")
	}

	return nil
}
