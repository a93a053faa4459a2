package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
acquisition:
  concurrency: 4
  run_timeout: 2m
extractor:
  mode: static
  hosts:
    - host: www.kijiji.ca
      rps: 0.5
      burst: 1
  selectors:
    container: li.result
store:
  backend: postgres
  dsn: postgres://localhost/listings
cascade:
  page_size: 25
snapshots:
  backend: local
  base_dir: /tmp/snapshots
  mode: all
pubsub:
  project_id: demo
  results_topic: acquisition-results
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Acquisition.Concurrency != 4 || cfg.Acquisition.RunTimeout != 2*time.Minute {
		t.Fatalf("expected acquisition overrides to apply: %+v", cfg.Acquisition)
	}
	if cfg.Extractor.Mode != "static" {
		t.Fatalf("expected static extractor, got %q", cfg.Extractor.Mode)
	}
	rule, ok := cfg.Extractor.RateLimit().Hosts["www.kijiji.ca"]
	if !ok || rule.RPS != 0.5 || rule.Burst != 1 {
		t.Fatalf("expected host rule to be loaded: %+v", cfg.Extractor.Hosts)
	}
	if cfg.Extractor.Selectors.Container != "li.result" {
		t.Fatalf("expected container override, got %q", cfg.Extractor.Selectors.Container)
	}
	if cfg.Extractor.Selectors.ListingIDAttr != "data-listing-id" {
		t.Fatalf("expected unset selectors to keep defaults, got %q", cfg.Extractor.Selectors.ListingIDAttr)
	}
	if cfg.Store.Backend != "postgres" || cfg.Cascade.PageSize != 25 {
		t.Fatalf("expected store and cascade overrides: %+v %+v", cfg.Store, cfg.Cascade)
	}
	if cfg.Snapshots.Backend != "local" || cfg.Snapshots.Mode != "all" {
		t.Fatalf("expected snapshot overrides: %+v", cfg.Snapshots)
	}
	if !cfg.PubSubEnabled() {
		t.Fatal("expected pubsub to be enabled")
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != "memory" || cfg.Store.MaxBatchSize != 500 {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Cascade.PageSize != 10 {
		t.Fatalf("expected default page size 10, got %d", cfg.Cascade.PageSize)
	}
	if cfg.Acquisition.CommitTimeout != 30*time.Second {
		t.Fatalf("expected commit timeout 30s, got %v", cfg.Acquisition.CommitTimeout)
	}
	if cfg.Auth.UserHeader != "X-User-ID" {
		t.Fatalf("expected default user header, got %q", cfg.Auth.UserHeader)
	}
	if cfg.PubSubEnabled() {
		t.Fatal("expected pubsub to be disabled by default")
	}
	if cfg.Extractor.PromotionThreshold != 2048 {
		t.Fatalf("expected promotion threshold 2048, got %d", cfg.Extractor.PromotionThreshold)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LISTINGWATCH_SERVER_PORT", "7070")
	t.Setenv("LISTINGWATCH_CASCADE_PAGE_SIZE", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Cascade.PageSize != 3 {
		t.Fatalf("expected env page size 3, got %d", cfg.Cascade.PageSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"zero concurrency", func(c *Config) { c.Acquisition.Concurrency = 0 }, "acquisition.concurrency"},
		{"unknown mode", func(c *Config) { c.Extractor.Mode = "lynx" }, "extractor.mode"},
		{"auto without threshold", func(c *Config) {
			c.Extractor.Mode = "auto"
			c.Extractor.PromotionThreshold = 0
		}, "extractor.promotion_threshold"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.dsn"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }, "store.backend"},
		{"zero page size", func(c *Config) { c.Cascade.PageSize = 0 }, "cascade.page_size"},
		{"gcs without bucket", func(c *Config) { c.Snapshots.Backend = "gcs" }, "snapshots.bucket"},
		{"local without dir", func(c *Config) { c.Snapshots.Backend = "local" }, "snapshots.base_dir"},
		{"bad snapshot mode", func(c *Config) { c.Snapshots.Mode = "some" }, "snapshots.mode"},
		{"topic without project", func(c *Config) { c.PubSub.ResultsTopic = "results" }, "pubsub.project_id"},
		{"no workers", func(c *Config) { c.Tasks.Workers = 0 }, "tasks.workers"},
		{"bad exporter", func(c *Config) {
			c.Telemetry.TracingEnabled = true
			c.Telemetry.Exporter = "jaeger"
		}, "telemetry.exporter"},
		{"gcp without project", func(c *Config) {
			c.Telemetry.TracingEnabled = true
			c.Telemetry.Exporter = "gcp"
		}, "telemetry.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error mentioning %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
