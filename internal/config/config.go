// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/polite-crawler/internal/policy/scope"
	"github.com/JakeFAU/polite-crawler/internal/robots"
	"github.com/JakeFAU/polite-crawler/internal/storage/gcs"
	"github.com/JakeFAU/polite-crawler/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Scope     scope.Config    `mapstructure:"scope"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlConfig names the crawl and its seeds.
type CrawlConfig struct {
	Seeds     []string `mapstructure:"seeds"`
	UserAgent string   `mapstructure:"user_agent"`
	// ExitWhenDone stops the service once the frontier drains.
	ExitWhenDone bool `mapstructure:"exit_when_done"`
}

// WorkersConfig sizes the worker pool and the controller's safeguards.
type WorkersConfig struct {
	Count      int    `mapstructure:"count"`
	Max        int    `mapstructure:"max"`
	ScratchDir string `mapstructure:"scratch_dir"`
	// HeapLimitMB escalates to the out-of-memory path when live heap passes it.
	HeapLimitMB int `mapstructure:"heap_limit_mb"`
	// ReserveMB is released when a worker runs out of memory.
	ReserveMB   int `mapstructure:"reserve_mb"`
	AlertBuffer int `mapstructure:"alert_buffer"`
}

// RecorderConfig controls capture buffers.
type RecorderConfig struct {
	PrefixSize      int `mapstructure:"prefix_size"`
	RecenterDivisor int `mapstructure:"recenter_divisor"`
}

// HTTPConfig configures the fetch stage.
type HTTPConfig struct {
	TimeoutSeconds     int   `mapstructure:"timeout_seconds"`
	MaxBodyBytes       int64 `mapstructure:"max_body_bytes"`
	ForbiddenThreshold int   `mapstructure:"forbidden_threshold"`
}

// RobotsConfig configures robots fetching and honoring.
type RobotsConfig struct {
	Honoring       robots.HonoringPolicy `mapstructure:"honoring"`
	TTL            time.Duration         `mapstructure:"ttl"`
	MaxBytes       int64                 `mapstructure:"max_bytes"`
	AgentCacheSize int                   `mapstructure:"agent_cache_size"`
	FetchAttempts  int                   `mapstructure:"fetch_attempts"`
}

// RateLimitConfig configures per-host politeness.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DefaultRPS    float64       `mapstructure:"default_rps"`
	DefaultBurst  int           `mapstructure:"default_burst"`
	MaxCrawlDelay time.Duration `mapstructure:"max_crawl_delay"`
}

// FrontierConfig configures the in-memory frontier.
type FrontierConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// StorageConfig selects the blob backend for fetched bodies.
type StorageConfig struct {
	// Backend is one of none, memory, local, or gcs.
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// DatabaseConfig controls the Postgres progress and crawl log stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	CrawlLogTable   string        `mapstructure:"crawl_log_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for crawl record announcements.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
}

// ProgressBatchConfig controls hub batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap configuration and the optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.user_agent", "polite-crawler/0.1 (+https://github.com/JakeFAU/polite-crawler)")
	v.SetDefault("crawl.exit_when_done", true)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.max", 64)
	v.SetDefault("workers.scratch_dir", "scratch")
	v.SetDefault("workers.heap_limit_mb", 0)
	v.SetDefault("workers.reserve_mb", 8)
	v.SetDefault("workers.alert_buffer", 100)
	v.SetDefault("recorder.prefix_size", 64*1024)
	v.SetDefault("recorder.recenter_divisor", 2)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("http.forbidden_threshold", 3)
	v.SetDefault("robots.honoring.type", string(robots.PolicyClassic))
	v.SetDefault("robots.ttl", "24h")
	v.SetDefault("robots.max_bytes", 1<<20)
	v.SetDefault("robots.agent_cache_size", 1)
	v.SetDefault("robots.fetch_attempts", 3)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("rate_limit.max_crawl_delay", "30s")
	v.SetDefault("scope.max_link_hops", 5)
	v.SetDefault("scope.max_trans_hops", 2)
	v.SetDefault("scope.seed_hosts_only", true)
	v.SetDefault("frontier.max_retries", 2)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "bodies")
	v.SetDefault("database.crawl_log_table", "crawl_log")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 1000)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 200)
	v.SetDefault("logging.compress", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.Max < c.Workers.Count {
		return fmt.Errorf("workers.max must be >= workers.count")
	}
	if strings.TrimSpace(c.Workers.ScratchDir) == "" {
		return fmt.Errorf("workers.scratch_dir must be set")
	}
	if c.Recorder.RecenterDivisor < 0 {
		return fmt.Errorf("recorder.recenter_divisor must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return fmt.Errorf("crawl.user_agent must be set")
	}
	if err := c.Robots.Honoring.Validate(); err != nil {
		return fmt.Errorf("robots.honoring: %w", err)
	}
	if c.Robots.FetchAttempts < 0 {
		return fmt.Errorf("robots.fetch_attempts must be >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("rate_limit.default_rps must be > 0 when rate limiting is enabled")
	}
	if c.Frontier.MaxRetries < 0 {
		return fmt.Errorf("frontier.max_retries must be >= 0")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if strings.TrimSpace(c.Storage.GCS.Bucket) == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of none, memory, local, gcs")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
