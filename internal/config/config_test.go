package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	core := cfg.Core("https://site.test")
	want := crawler.DefaultConfig("https://site.test")
	if core.MaxPages != want.MaxPages || core.MaxDepth != want.MaxDepth || core.Concurrency != want.Concurrency {
		t.Fatalf("unexpected limits %+v", core)
	}
	if core.Delay != crawler.DefaultDelay || core.NavigationTimeout != crawler.DefaultNavigationTimeout {
		t.Fatalf("unexpected timings %+v", core)
	}
	if cfg.Crawler.Driver != DriverChromedp || !cfg.Crawler.Headless || cfg.Crawler.RespectRobots {
		t.Fatalf("unexpected crawler defaults %+v", cfg.Crawler)
	}
	if cfg.Output.Format != "json" || cfg.Storage.Provider != "local" || cfg.Storage.BaseDir == "" {
		t.Fatalf("unexpected output defaults %+v %+v", cfg.Output, cfg.Storage)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  base_url: https://site.test
  max_pages: 10
  max_depth: 1
  concurrency: 2
  delay_ms: 0
  navigation_timeout: 5s
  driver: colly
  respect_robots: true
  exclude_paths: ["/admin/*", "/logout"]
  retry_backoff: exponential
  max_requests_per_second: 2.5
output:
  quiet: true
  skip_confirmation: true
  format: markdown
storage:
  provider: memory
  prefix: csp
pubsub:
  project_id: proj
  topic: runs
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	core := cfg.Core("")
	if core.BaseURL != "https://site.test" || core.MaxPages != 10 || core.MaxDepth != 1 || core.Concurrency != 2 {
		t.Fatalf("expected crawler overrides to apply: %+v", core)
	}
	if core.Delay != 0 || core.NavigationTimeout != 5*time.Second {
		t.Fatalf("unexpected timings %+v", core)
	}
	if !core.Quiet || !core.SkipConfirmation {
		t.Fatalf("expected output flags to carry over: %+v", core)
	}
	if len(core.ExcludePaths) != 2 || core.ExcludePaths[0] != "/admin/*" {
		t.Fatalf("unexpected exclusions %v", core.ExcludePaths)
	}
	if cfg.Crawler.Driver != DriverColly || cfg.Crawler.MaxRequestsPerSecond != 2.5 || !cfg.Crawler.RespectRobots {
		t.Fatalf("unexpected crawler config %+v", cfg.Crawler)
	}
	if cfg.Output.Format != "markdown" || cfg.Storage.Provider != "memory" || cfg.PubSub.Topic != "runs" || !cfg.Logging.Development {
		t.Fatalf("unexpected sections %+v", cfg)
	}
	if err := core.Validate(); err != nil {
		t.Fatalf("core config should validate: %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("crawler:\n  max_pages: 10\n  max_depth: 4\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("CSP_CRAWLER_CRAWLER_MAX_DEPTH", "2")
	t.Setenv("CSP_CRAWLER_CRAWLER_CONCURRENCY", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-pages", 0, "")
	flags.Int("concurrency", 0, "")
	if err := flags.Parse([]string{"--max-pages=25"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxPages != 25 {
		t.Fatalf("flag should win, got max_pages=%d", cfg.Crawler.MaxPages)
	}
	if cfg.Crawler.MaxDepth != 2 {
		t.Fatalf("env should beat file, got max_depth=%d", cfg.Crawler.MaxDepth)
	}
	if cfg.Crawler.Concurrency != 5 {
		t.Fatalf("unset flag should not mask env, got concurrency=%d", cfg.Crawler.Concurrency)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("crawler:\n  max_pages: lots\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err := Load(path, nil)
	if !errors.Is(err, crawler.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for non-numeric limit, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Crawler: CrawlerConfig{Driver: DriverChromedp},
		Output:  OutputConfig{Format: "json"},
		Storage: StorageConfig{Provider: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "driver", mutate: func(c *Config) { c.Crawler.Driver = "lynx" }, want: "crawler.driver"},
		{name: "delay", mutate: func(c *Config) { c.Crawler.DelayMS = -1 }, want: "crawler.delay_ms"},
		{name: "rps", mutate: func(c *Config) { c.Crawler.MaxRequestsPerSecond = -2 }, want: "max_requests_per_second"},
		{name: "backoff", mutate: func(c *Config) { c.Crawler.RetryBackoff = "linear" }, want: "retry backoff"},
		{name: "format", mutate: func(c *Config) { c.Output.Format = "xml" }, want: "output.format"},
		{name: "provider", mutate: func(c *Config) { c.Storage.Provider = "s3" }, want: "storage.provider"},
		{name: "local dir", mutate: func(c *Config) { c.Storage.Provider = "local" }, want: "storage.base_dir"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Provider = "gcs" }, want: "storage.gcs_bucket"},
		{name: "pubsub project", mutate: func(c *Config) { c.PubSub.Topic = "runs" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !errors.Is(err, crawler.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
