// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Robots   RobotsConfig   `mapstructure:"robots"`
	Classify ClassifyConfig `mapstructure:"classify"`
	Cache    CacheConfig    `mapstructure:"cache"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs the fetch pipeline and politeness behavior.
type CrawlerConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	DefaultCrawlDelay time.Duration `mapstructure:"default_crawl_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxContentBytes   int64         `mapstructure:"max_content_bytes"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateStateTTL      time.Duration `mapstructure:"rate_state_ttl"`
	ResultCacheTTL    time.Duration `mapstructure:"result_cache_ttl"`
}

// RobotsConfig controls robots.txt compliance.
type RobotsConfig struct {
	Respect  bool          `mapstructure:"respect"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ClassifyConfig controls the topic classifier.
type ClassifyConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MinConfidence float64 `mapstructure:"min_confidence"`
	MaxTopics     int     `mapstructure:"max_topics"`
}

// CacheConfig selects and tunes the shared TTL key-value cache.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // "memory" or "badger"
	Dir     string `mapstructure:"dir"`     // badger data directory
}

// DBConfig controls access to the relational record store.
type DBConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "postgres"
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion-event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESCOPE")
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
	v.SetDefault("crawler.user_agent", "pagescope-bot/1.0 (+https://github.com/pagescope/crawler)")
	v.SetDefault("crawler.max_concurrent", 10)
	v.SetDefault("crawler.default_crawl_delay", "1s")
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.max_content_bytes", 10*1024*1024)
	v.SetDefault("crawler.rate_limit_enabled", true)
	v.SetDefault("crawler.rate_state_ttl", "1h")
	v.SetDefault("crawler.result_cache_ttl", "1h")
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.cache_ttl", "24h")
	v.SetDefault("classify.enabled", true)
	v.SetDefault("classify.min_confidence", 0.5)
	v.SetDefault("classify.max_topics", 10)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.MaxConcurrent <= 0 {
		return fmt.Errorf("crawler.max_concurrent must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxContentBytes <= 0 {
		return fmt.Errorf("crawler.max_content_bytes must be > 0")
	}
	if c.Classify.Enabled {
		if c.Classify.MinConfidence < 0 || c.Classify.MinConfidence > 1 {
			return fmt.Errorf("classify.min_confidence must be in [0,1]")
		}
		if c.Classify.MaxTopics <= 0 {
			return fmt.Errorf("classify.max_topics must be > 0 when classification is enabled")
		}
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("cache.backend must be memory or badger")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.backend is postgres")
		}
	default:
		return fmt.Errorf("db.backend must be memory or postgres")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}
