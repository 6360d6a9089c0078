// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls the Postgres pool.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig points at the queue backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueuesConfig tunes worker concurrency and the category rate cap. Retry
// counts and backoff bases are fixed per queue in the queue package.
type QueuesConfig struct {
	CategoryConcurrency int     `mapstructure:"category_concurrency"`
	ProductConcurrency  int     `mapstructure:"product_concurrency"`
	CategoryRatePerSec  float64 `mapstructure:"category_rate_per_sec"`
	CategoryRateBurst   int     `mapstructure:"category_rate_burst"`
}

// FetchConfig governs the HTTP fetch service.
type FetchConfig struct {
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	UseProxies     bool `mapstructure:"use_proxies"`
	// HostRatePerSec caps requests per target host; 0 disables the cap.
	HostRatePerSec float64 `mapstructure:"host_rate_per_sec"`
	HostRateBurst  int     `mapstructure:"host_rate_burst"`
}

// ProxyConfig tunes proxy selection and the health sweep.
type ProxyConfig struct {
	CandidatePool     int `mapstructure:"candidate_pool"`
	MinRequests       int `mapstructure:"min_requests"`
	SweepIntervalMins int `mapstructure:"sweep_interval_minutes"`
}

// ArchiveConfig enables archival of fetched bodies to object storage.
type ArchiveConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for pipeline event publication.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig controls the recurring catalog run trigger.
type SchedulerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CronSpec       string `mapstructure:"cron_spec"`
	StaggerSeconds int    `mapstructure:"stagger_seconds"`
}

// ScraperConfig identifies the deployed scraper build on run records.
type ScraperConfig struct {
	Version string `mapstructure:"version"`
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("queues.category_concurrency", 5)
	v.SetDefault("queues.product_concurrency", 20)
	v.SetDefault("queues.category_rate_per_sec", 5)
	v.SetDefault("queues.category_rate_burst", 5)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.use_proxies", true)
	v.SetDefault("fetch.host_rate_per_sec", 8)
	v.SetDefault("fetch.host_rate_burst", 4)
	v.SetDefault("proxy.candidate_pool", 50)
	v.SetDefault("proxy.min_requests", 20)
	v.SetDefault("proxy.sweep_interval_minutes", 10)
	v.SetDefault("archive.prefix", "bodies")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("scheduler.cron_spec", "@weekly")
	v.SetDefault("scheduler.stagger_seconds", 1)
	v.SetDefault("scraper.version", "1.0.0")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queues.CategoryConcurrency <= 0 {
		return fmt.Errorf("queues.category_concurrency must be > 0")
	}
	if c.Queues.ProductConcurrency <= 0 {
		return fmt.Errorf("queues.product_concurrency must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Proxy.CandidatePool <= 0 {
		return fmt.Errorf("proxy.candidate_pool must be > 0")
	}
	if c.Archive.Enabled && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archiving is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the fetch deadline as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// SchedulerStagger returns the delay between scheduled context starts.
func (c Config) SchedulerStagger() time.Duration {
	return time.Duration(c.Scheduler.StaggerSeconds) * time.Second
}
