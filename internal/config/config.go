// Package config loads and validates listingwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listingwatch/internal/extractor"
	"github.com/JakeFAU/listingwatch/internal/policy/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
	Store       StoreConfig       `mapstructure:"store"`
	Cascade     CascadeConfig     `mapstructure:"cascade"`
	Snapshots   SnapshotConfig    `mapstructure:"snapshots"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// UserHeader carries the caller identity set by the upstream gateway.
	UserHeader string `mapstructure:"user_header"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name; empty keeps the mode default.
	Level string `mapstructure:"level"`
}

// AcquisitionConfig bounds acquisition runs.
type AcquisitionConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

// ExtractorConfig selects the session backend and the DOM contract.
type ExtractorConfig struct {
	// Mode is "headless" (chromedp), "static" (colly) or "auto" (static, promoted to headless for script shells).
	Mode string `mapstructure:"mode"`
	// PromotionThreshold is the body length under which a script-heavy static page is re-rendered in auto mode.
	PromotionThreshold int                 `mapstructure:"promotion_threshold"`
	BaseOrigin         string              `mapstructure:"base_origin"`
	UserAgent          string              `mapstructure:"user_agent"`
	NavTimeout         time.Duration       `mapstructure:"nav_timeout"`
	WaitSelector       string              `mapstructure:"wait_selector"`
	Settle             time.Duration       `mapstructure:"settle"`
	MaxSessions        int                 `mapstructure:"max_sessions"`
	DomainQPS          float64             `mapstructure:"domain_qps"`
	DomainBurst        int                 `mapstructure:"domain_burst"`
	Hosts              []HostLimit         `mapstructure:"hosts"`
	Selectors          extractor.Selectors `mapstructure:"selectors"`
}

// HostLimit overrides the default politeness budget for one host. Hosts are a list because Viper splits
// map keys on dots.
type HostLimit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RateLimit converts the extractor budget into limiter configuration.
func (e ExtractorConfig) RateLimit() ratelimit.Config {
	hosts := make(map[string]ratelimit.Rule, len(e.Hosts))
	for _, h := range e.Hosts {
		hosts[h.Host] = ratelimit.Rule{RPS: h.RPS, Burst: h.Burst}
	}
	return ratelimit.Config{DefaultRPS: e.DomainQPS, DefaultBurst: e.DomainBurst, Hosts: hosts}
}

// StoreConfig chooses the document store.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// CascadeConfig sizes cascade pages.
type CascadeConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// SnapshotConfig controls archiving of rendered pages.
type SnapshotConfig struct {
	// Backend is "none", "memory", "local" or "gcs".
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
	// Mode is "all" or "failures".
	Mode string `mapstructure:"mode"`
}

// PubSubConfig holds Pub/Sub wiring. Empty values disable the matching feature.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	EventsSubscription string `mapstructure:"events_subscription"`
	ResultsTopic       string `mapstructure:"results_topic"`
}

// TasksConfig sizes the background worker pool.
type TasksConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	Version        string  `mapstructure:"version"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	// Exporter is "none" (propagation only) or "gcp" (Cloud Trace).
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGWATCH")
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
	sel := extractor.DefaultSelectors()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.user_header", "X-User-ID")
	v.SetDefault("logging.development", true)
	v.SetDefault("acquisition.concurrency", 2)
	v.SetDefault("acquisition.run_timeout", 9*time.Minute)
	v.SetDefault("acquisition.commit_timeout", 30*time.Second)
	v.SetDefault("extractor.mode", "headless")
	v.SetDefault("extractor.base_origin", "https://www.kijiji.ca")
	v.SetDefault("extractor.user_agent", "listingwatch/0.1")
	v.SetDefault("extractor.nav_timeout", 45*time.Second)
	v.SetDefault("extractor.wait_selector", sel.Container)
	v.SetDefault("extractor.promotion_threshold", 2048)
	v.SetDefault("extractor.max_sessions", 4)
	v.SetDefault("extractor.domain_qps", 1.0)
	v.SetDefault("extractor.domain_burst", 2)
	v.SetDefault("extractor.selectors.container", sel.Container)
	v.SetDefault("extractor.selectors.listing_id_attr", sel.ListingIDAttr)
	v.SetDefault("extractor.selectors.link", sel.Link)
	v.SetDefault("extractor.selectors.title", sel.Title)
	v.SetDefault("extractor.selectors.price", sel.Price)
	v.SetDefault("extractor.selectors.distance", sel.Distance)
	v.SetDefault("extractor.selectors.location", sel.Location)
	v.SetDefault("extractor.selectors.image", sel.Image)
	v.SetDefault("extractor.selectors.description", sel.Description)
	v.SetDefault("extractor.selectors.details", sel.Details)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.table", "documents")
	v.SetDefault("store.max_batch_size", 500)
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("store.migrate", true)
	v.SetDefault("cascade.page_size", 10)
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.mode", "failures")
	v.SetDefault("tasks.workers", 2)
	v.SetDefault("tasks.queue_depth", 64)
	v.SetDefault("tasks.max_attempts", 3)
	v.SetDefault("tasks.backoff", 2*time.Second)
	v.SetDefault("tasks.task_timeout", 10*time.Minute)
	v.SetDefault("telemetry.service_name", "listingwatch")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Auth.UserHeader == "" {
		return fmt.Errorf("auth.user_header must be set")
	}
	if c.Acquisition.Concurrency <= 0 {
		return fmt.Errorf("acquisition.concurrency must be > 0")
	}
	if c.Acquisition.RunTimeout < 0 || c.Acquisition.CommitTimeout <= 0 {
		return fmt.Errorf("acquisition.run_timeout must be >= 0 and acquisition.commit_timeout > 0")
	}
	switch c.Extractor.Mode {
	case "headless", "static", "auto":
	default:
		return fmt.Errorf("extractor.mode must be headless, static or auto, got %q", c.Extractor.Mode)
	}
	if c.Extractor.Mode == "auto" && c.Extractor.PromotionThreshold <= 0 {
		return fmt.Errorf("extractor.promotion_threshold must be > 0 in auto mode")
	}
	if c.Extractor.BaseOrigin == "" {
		return fmt.Errorf("extractor.base_origin must be set")
	}
	if c.Extractor.Selectors.Container == "" || c.Extractor.Selectors.ListingIDAttr == "" {
		return fmt.Errorf("extractor.selectors.container and extractor.selectors.listing_id_attr must be set")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", c.Store.Backend)
	}
	if c.Store.MaxBatchSize <= 0 {
		return fmt.Errorf("store.max_batch_size must be > 0")
	}
	if c.Cascade.PageSize <= 0 {
		return fmt.Errorf("cascade.page_size must be > 0")
	}
	switch c.Snapshots.Backend {
	case "none", "memory":
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir must be set when snapshots.backend is local")
		}
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set when snapshots.backend is gcs")
		}
	default:
		return fmt.Errorf("snapshots.backend must be none, memory, local or gcs, got %q", c.Snapshots.Backend)
	}
	if c.Snapshots.Mode != string(extractor.SnapshotAll) && c.Snapshots.Mode != string(extractor.SnapshotFailures) {
		return fmt.Errorf("snapshots.mode must be all or failures, got %q", c.Snapshots.Mode)
	}
	if (c.PubSub.EventsSubscription != "" || c.PubSub.ResultsTopic != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is used")
	}
	for _, h := range c.Extractor.Hosts {
		if h.Host == "" {
			return fmt.Errorf("extractor.hosts entries must name a host")
		}
	}
	if c.Tasks.Workers <= 0 || c.Tasks.QueueDepth <= 0 {
		return fmt.Errorf("tasks.workers and tasks.queue_depth must be > 0")
	}
	if c.Telemetry.TracingEnabled {
		switch c.Telemetry.Exporter {
		case "none":
		case "gcp":
			if c.Telemetry.ProjectID == "" {
				return fmt.Errorf("telemetry.project_id must be set for the gcp exporter")
			}
		default:
			return fmt.Errorf("telemetry.exporter must be none or gcp, got %q", c.Telemetry.Exporter)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
		}
	}
	return nil
}

// PubSubEnabled reports whether any Pub/Sub feature is configured.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && (c.PubSub.EventsSubscription != "" || c.PubSub.ResultsTopic != "")
}
