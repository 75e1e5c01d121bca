// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Keywords  KeywordsConfig  `mapstructure:"keywords"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// FetchConfig governs the fetch engine's retry and pacing defaults. Per-source
// rate limits live on the source entries.
type FetchConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	DelayMinMs       int `mapstructure:"delay_min_ms"`
	DelayMaxMs       int `mapstructure:"delay_max_ms"`
	RotateEvery      int `mapstructure:"rotate_every"`
}

// BrowserConfig sizes the headless browser pool.
type BrowserConfig struct {
	MaxBrowsers int    `mapstructure:"max_browsers"`
	ExecPath    string `mapstructure:"exec_path"`
	UserAgent   string `mapstructure:"user_agent"`
}

// SchedulerConfig tunes the freshness scheduler.
type SchedulerConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	FreshnessHours  int `mapstructure:"freshness_hours"`
}

// SnapshotConfig selects where raw response bodies are archived.
type SnapshotConfig struct {
	// Provider is one of "gcs", "local", or "none".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// SourceConfig declares one crawlable site.
type SourceConfig struct {
	ID                  string           `mapstructure:"id"`
	Type                string           `mapstructure:"type"`
	Name                string           `mapstructure:"name"`
	BaseURL             string           `mapstructure:"base_url"`
	MaxConcurrent       int              `mapstructure:"max_concurrent"`
	RequestsPerInterval int              `mapstructure:"requests_per_interval"`
	IntervalSeconds     int              `mapstructure:"interval_seconds"`
	Categories          []CategoryConfig `mapstructure:"categories"`
}

// CategoryConfig seeds one catalog category for a source.
type CategoryConfig struct {
	Slug       string `mapstructure:"slug"`
	ExternalID string `mapstructure:"external_id"`
}

// KeywordsConfig seeds catalog keywords per source type.
type KeywordsConfig struct {
	Marketplace []string `mapstructure:"marketplace"`
	Retailer    []string `mapstructure:"retailer"`
	Classifieds []string `mapstructure:"classifieds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 30000)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.delay_min_ms", 500)
	v.SetDefault("fetch.delay_max_ms", 2500)
	v.SetDefault("fetch.rotate_every", 25)
	v.SetDefault("browser.max_browsers", 2)
	v.SetDefault("scheduler.cache_ttl_seconds", 60)
	v.SetDefault("scheduler.freshness_hours", 24)
	v.SetDefault("snapshot.provider", "none")
	v.SetDefault("snapshot.prefix", "snapshots")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.DelayMaxMs < c.Fetch.DelayMinMs {
		return fmt.Errorf("fetch.delay_max_ms must be >= fetch.delay_min_ms")
	}
	if c.Browser.MaxBrowsers <= 0 {
		return fmt.Errorf("browser.max_browsers must be > 0")
	}
	switch c.Snapshot.Provider {
	case "none":
	case "gcs":
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket is required for the gcs provider")
		}
	case "local":
		if c.Snapshot.BaseDir == "" {
			return fmt.Errorf("snapshot.base_dir is required for the local provider")
		}
	default:
		return fmt.Errorf("snapshot.provider must be one of gcs, local, none")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
		switch harvester.SourceType(src.Type) {
		case harvester.SourceTypeMarketplace, harvester.SourceTypeRetailer, harvester.SourceTypeClassifieds:
		default:
			return fmt.Errorf("sources[%d].type %q is not a known source type", i, src.Type)
		}
		if src.BaseURL == "" {
			return fmt.Errorf("sources[%d].base_url is required", i)
		}
	}
	return nil
}

// Source converts the config entry to the domain type.
func (s SourceConfig) Source() harvester.Source {
	return harvester.Source{
		ID:      s.ID,
		Type:    harvester.SourceType(s.Type),
		Name:    s.Name,
		BaseURL: s.BaseURL,
		RateLimit: harvester.RateLimit{
			MaxConcurrent:       s.MaxConcurrent,
			RequestsPerInterval: s.RequestsPerInterval,
			Interval:            time.Duration(s.IntervalSeconds) * time.Second,
		},
	}
}

// Targets converts the seeded categories to crawl targets.
func (s SourceConfig) Targets() []harvester.CrawlTarget {
	targets := make([]harvester.CrawlTarget, 0, len(s.Categories))
	for _, cat := range s.Categories {
		targets = append(targets, harvester.CrawlTarget{
			Kind:       harvester.TargetCategory,
			SourceID:   s.ID,
			Slug:       cat.Slug,
			ExternalID: cat.ExternalID,
		})
	}
	return targets
}
