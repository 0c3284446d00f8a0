package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/pollsync/go/internal/dbconfig"
	"github.com/mcdev12/pollsync/go/internal/poll/lifecycle"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	FeedLocal    = "local"
	FeedPostgres = "postgres"
	FeedRedis    = "redis"
	FeedNATS     = "nats"
)

type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	// Console switches zerolog to the human-readable console writer.
	Console bool `yaml:"console"`

	Store  StoreConfig  `yaml:"store"`
	Feed   FeedConfig   `yaml:"feed"`
	Poll   PollConfig   `yaml:"poll"`
	Expiry ExpiryConfig `yaml:"expiry"`
}

type StoreConfig struct {
	Driver     string          `yaml:"driver"`
	SQLitePath string          `yaml:"sqlite_path"`
	Postgres   dbconfig.Config `yaml:"postgres"`
}

type FeedConfig struct {
	Driver   string `yaml:"driver"`
	RedisURL string `yaml:"redis_url"`
	NATSURL  string `yaml:"nats_url"`
	// Prefix namespaces the redis channels or NATS subjects. Empty uses the transport default.
	Prefix string `yaml:"prefix"`
	// Fallback is how often the Postgres listener re-announces every class.
	Fallback time.Duration `yaml:"fallback_interval"`
}

type PollConfig struct {
	Limits          lifecycle.Limits `yaml:"limits"`
	TickInterval    time.Duration    `yaml:"tick_interval"`
	RefreshInterval time.Duration    `yaml:"refresh_interval"`
}

type ExpiryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

func defaultConfig() Config {
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Console:  true,
		Store: StoreConfig{
			Driver:     StoreSQLite,
			SQLitePath: "pollsync.db",
			Postgres:   dbconfig.NewConfigFromEnv(),
		},
		Feed: FeedConfig{
			Driver:   FeedLocal,
			RedisURL: "redis://localhost:6379/0",
			NATSURL:  "nats://localhost:4222",
			Fallback: 30 * time.Second,
		},
		Poll: PollConfig{
			Limits:          lifecycle.DefaultLimits(),
			TickInterval:    time.Second,
			RefreshInterval: 15 * time.Second,
		},
		Expiry: ExpiryConfig{
			Enabled:  true,
			Interval: time.Second,
		},
	}
}

// loadConfig layers the defaults, the optional YAML file at path and the
// environment, in that order.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Console = getEnvAsBool("LOG_CONSOLE", cfg.Console)
	cfg.Store.Driver = getEnv("POLLSYNC_STORE", cfg.Store.Driver)
	cfg.Store.SQLitePath = getEnv("POLLSYNC_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Feed.Driver = getEnv("POLLSYNC_FEED", cfg.Feed.Driver)
	cfg.Feed.RedisURL = getEnv("REDIS_URL", cfg.Feed.RedisURL)
	cfg.Feed.NATSURL = getEnv("NATS_URL", cfg.Feed.NATSURL)
	cfg.Feed.Prefix = getEnv("POLLSYNC_FEED_PREFIX", cfg.Feed.Prefix)
	cfg.Poll.Limits.MinTimeLimitSec = getEnvAsInt("POLL_MIN_TIME_LIMIT", cfg.Poll.Limits.MinTimeLimitSec)
	cfg.Poll.Limits.MaxTimeLimitSec = getEnvAsInt("POLL_MAX_TIME_LIMIT", cfg.Poll.Limits.MaxTimeLimitSec)
	cfg.Poll.Limits.MaxOptions = getEnvAsInt("POLL_MAX_OPTIONS", cfg.Poll.Limits.MaxOptions)
	cfg.Poll.TickInterval = getEnvAsDuration("POLL_TICK_INTERVAL", cfg.Poll.TickInterval)
	cfg.Poll.RefreshInterval = getEnvAsDuration("POLL_REFRESH_INTERVAL", cfg.Poll.RefreshInterval)
	cfg.Expiry.Enabled = getEnvAsBool("POLL_EXPIRY_ENABLED", cfg.Expiry.Enabled)
	cfg.Expiry.Interval = getEnvAsDuration("POLL_EXPIRY_INTERVAL", cfg.Expiry.Interval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreSQLite, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Feed.Driver {
	case FeedLocal, FeedRedis, FeedNATS:
	case FeedPostgres:
		if c.Store.Driver != StorePostgres {
			errs = append(errs, errors.New("the postgres feed needs the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown feed driver %q", c.Feed.Driver))
	}
	// Postgres writes are announced by triggers, which only a LISTEN-backed feed hears.
	if c.Store.Driver == StorePostgres && c.Feed.Driver == FeedLocal {
		errs = append(errs, errors.New("the postgres store needs the postgres, redis or nats feed"))
	}

	l := c.Poll.Limits
	if l.MinTimeLimitSec <= 0 || l.MaxTimeLimitSec < l.MinTimeLimitSec {
		errs = append(errs, fmt.Errorf("invalid time limit bounds %d..%d", l.MinTimeLimitSec, l.MaxTimeLimitSec))
	}
	if l.MinOptions < 2 || l.MaxOptions < l.MinOptions {
		errs = append(errs, fmt.Errorf("invalid option bounds %d..%d", l.MinOptions, l.MaxOptions))
	}
	if c.Poll.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.Expiry.Enabled && c.Expiry.Interval <= 0 {
		errs = append(errs, errors.New("expiry interval must be positive"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
