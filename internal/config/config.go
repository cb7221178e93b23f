// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and KASWATCH_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kas-watch/internal/domain"
	"kas-watch/internal/exchange"
)

// EnvPrefix is prepended to every environment override, e.g. KASWATCH_REDIS_ADDR.
const EnvPrefix = "KASWATCH"

// Config holds all configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Readiness  ReadinessConfig  `mapstructure:"readiness"`
}

// ServerConfig controls the WebSocket listener and per-session limits.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Path         string        `mapstructure:"path"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the metrics listener
}

// LogConfig sets the zap level and encoder ("json" or "console").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig addresses the Redis instance used by the journal, mirror and readiness gate.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Mirror   string `mapstructure:"mirror_channel"` // empty disables the pub/sub mirror
}

// PostgresConfig holds the transaction store connection string.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StorageConfig switches the transaction store to the in-memory implementation.
type StorageConfig struct {
	UseMemory bool `mapstructure:"use_memory"`
}

// JournalConfig selects the journal backend and the per-topic retention caps.
type JournalConfig struct {
	Backend string         `mapstructure:"backend"` // "redis" or "memory"
	Caps    map[string]int `mapstructure:"caps"`
}

// AggregatorConfig controls the exchange polling cycle.
type AggregatorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Sources  []string      `mapstructure:"sources"`
}

// FeedConfig locates the upstream chat relay and the sender whose posts are reconciled.
type FeedConfig struct {
	HistoryURL     string `mapstructure:"history_url"`
	LiveURL        string `mapstructure:"live_url"`
	ChannelID      int64  `mapstructure:"channel_id"`
	SenderID       int64  `mapstructure:"sender_id"`
	SourceID       int    `mapstructure:"source_id"`
	SourceName     string `mapstructure:"source_name"`
	BackfillEpoch  string `mapstructure:"backfill_epoch"` // RFC3339
	BackfillPasses int    `mapstructure:"backfill_passes"`
	PageSize       int    `mapstructure:"page_size"`
}

// ReadinessConfig controls the wait on the migrate step's Redis key.
// Memory-only deployments without a migrate step set Enabled to false.
type ReadinessConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Key      string        `mapstructure:"key"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment are consulted.
func Load(path string) (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.pong_wait", 60*time.Second)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mirror_channel", "updates")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("storage.use_memory", false)

	v.SetDefault("journal.backend", "redis")
	// Per-key defaults so KASWATCH_JOURNAL_CAPS_<TOPIC> is visible to AutomaticEnv.
	v.SetDefault("journal.caps."+domain.TopicRates, 1)
	v.SetDefault("journal.caps."+domain.TopicTransactions, 100)

	v.SetDefault("aggregator.interval", 5*time.Second)
	v.SetDefault("aggregator.timeout", 10*time.Second)
	v.SetDefault("aggregator.sources", exchange.Names())

	v.SetDefault("feed.history_url", "")
	v.SetDefault("feed.live_url", "")
	v.SetDefault("feed.channel_id", int64(2193761946))
	v.SetDefault("feed.sender_id", int64(7338170991))
	v.SetDefault("feed.source_id", 1)
	v.SetDefault("feed.source_name", "KSPR Bot")
	v.SetDefault("feed.backfill_epoch", "1970-01-01T00:00:00Z")
	v.SetDefault("feed.backfill_passes", 2)
	v.SetDefault("feed.page_size", 100)

	v.SetDefault("readiness.enabled", true)
	v.SetDefault("readiness.key", "kaswatch:core-ready")
	v.SetDefault("readiness.interval", time.Second)
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error

	if !c.Storage.UseMemory && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required unless storage.use_memory is set"))
	}
	switch c.Journal.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("journal.backend must be redis or memory, got %q", c.Journal.Backend))
	}
	for _, topic := range []string{domain.TopicRates, domain.TopicTransactions} {
		if c.Journal.Caps[topic] <= 0 {
			errs = append(errs, fmt.Errorf("journal.caps.%s must be positive", topic))
		}
	}
	if c.Aggregator.Interval <= 0 || c.Aggregator.Timeout <= 0 {
		errs = append(errs, errors.New("aggregator.interval and aggregator.timeout must be positive"))
	}
	if len(c.Aggregator.Sources) == 0 {
		errs = append(errs, errors.New("aggregator.sources cannot be empty"))
	}
	for _, name := range c.Aggregator.Sources {
		if _, ok := exchange.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("aggregator.sources: unknown exchange %q", name))
		}
	}
	if c.Readiness.Enabled && c.Readiness.Key == "" {
		errs = append(errs, errors.New("readiness.key is required when readiness.enabled is set"))
	}
	if c.Feed.BackfillPasses < 1 {
		errs = append(errs, errors.New("feed.backfill_passes must be at least 1"))
	}
	if _, err := c.Feed.Epoch(); err != nil {
		errs = append(errs, err)
	}
	if c.Readiness.Interval <= 0 {
		errs = append(errs, errors.New("readiness.interval must be positive"))
	}

	return errors.Join(errs...)
}

// Epoch returns the watermark used when no transaction has been persisted yet.
func (f FeedConfig) Epoch() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, f.BackfillEpoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("feed.backfill_epoch: %w", err)
	}
	return t, nil
}

// Source returns the feed source row described by the configuration.
func (f FeedConfig) Source() domain.FeedSource {
	return domain.FeedSource{
		ID:        f.SourceID,
		Name:      f.SourceName,
		ChannelID: f.ChannelID,
		SenderID:  f.SenderID,
	}
}
