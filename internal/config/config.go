// Package config loads and validates csp-crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
	"github.com/mostlyserious/csp-crawler/internal/report"
	"github.com/mostlyserious/csp-crawler/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. CSP_CRAWLER_CRAWLER_MAX_PAGES.
const EnvPrefix = "CSP_CRAWLER"

// AppName names the XDG config directory.
const AppName = "csp-crawler"

// Browser drivers.
const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"
	DriverColly    = "colly"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	DB      DBConfig      `mapstructure:"db"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CrawlerConfig governs the crawl itself.
type CrawlerConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	MaxPages             int           `mapstructure:"max_pages"`
	MaxLinksPerPage      int           `mapstructure:"max_links_per_page"`
	MaxDepth             int           `mapstructure:"max_depth"`
	Concurrency          int           `mapstructure:"concurrency"`
	MaxRetries           int           `mapstructure:"max_retries"`
	DelayMS              int           `mapstructure:"delay_ms"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout"`
	IdlePoll             time.Duration `mapstructure:"idle_poll"`
	Driver               string        `mapstructure:"driver"`
	Headless             bool          `mapstructure:"headless"`
	UserAgent            string        `mapstructure:"user_agent"`
	BrowserPath          string        `mapstructure:"browser_path"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
	ExcludePaths         []string      `mapstructure:"exclude_paths"`
	RetryBackoff         string        `mapstructure:"retry_backoff"`
	MaxRequestsPerSecond float64       `mapstructure:"max_requests_per_second"`
}

// OutputConfig controls the console and the report.
type OutputConfig struct {
	Quiet            bool   `mapstructure:"quiet"`
	SkipConfirmation bool   `mapstructure:"skip_confirmation"`
	Format           string `mapstructure:"format"`
	// Path receives the rendered policy; empty writes it to stdout.
	Path     string `mapstructure:"path"`
	Template string `mapstructure:"template"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StorageConfig selects where reports are written.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DBConfig controls the run history table. An empty DSN disables it.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// MetricsConfig starts the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// FlagKeys maps CLI flag names onto configuration keys.
var FlagKeys = map[string]string{
	"max-pages":      "crawler.max_pages",
	"max-depth":      "crawler.max_depth",
	"max-links":      "crawler.max_links_per_page",
	"concurrency":    "crawler.concurrency",
	"max-retries":    "crawler.max_retries",
	"delay":          "crawler.delay_ms",
	"timeout":        "crawler.navigation_timeout",
	"driver":         "crawler.driver",
	"headless":       "crawler.headless",
	"user-agent":     "crawler.user_agent",
	"robots":         "crawler.respect_robots",
	"exclude":        "crawler.exclude_paths",
	"backoff":        "crawler.retry_backoff",
	"rps":            "crawler.max_requests_per_second",
	"quiet":          "output.quiet",
	"yes":            "output.skip_confirmation",
	"format":         "output.format",
	"output":         "output.path",
	"template":       "output.template",
	"storage":        "storage.provider",
	"report-dir":     "storage.base_dir",
	"metrics-addr":   "metrics.addr",
	"dev":            "logging.development",
	"browser-path":   "crawler.browser_path",
	"gcs-bucket":     "storage.gcs_bucket",
	"pubsub-topic":   "pubsub.topic",
	"pubsub-project": "pubsub.project_id",
	"db-dsn":         "db.dsn",
}

// Load builds a Config from defaults, an optional file, the environment
// and flags, in increasing precedence. An empty path searches for
// config.yaml in the working directory and the XDG config directory.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", crawler.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.base_url", "")
	v.SetDefault("crawler.max_pages", crawler.DefaultMaxPages)
	v.SetDefault("crawler.max_links_per_page", crawler.DefaultMaxLinksPerPage)
	v.SetDefault("crawler.max_depth", crawler.DefaultMaxDepth)
	v.SetDefault("crawler.concurrency", crawler.DefaultConcurrency)
	v.SetDefault("crawler.max_retries", crawler.DefaultMaxRetries)
	v.SetDefault("crawler.delay_ms", int(crawler.DefaultDelay/time.Millisecond))
	v.SetDefault("crawler.navigation_timeout", crawler.DefaultNavigationTimeout)
	v.SetDefault("crawler.idle_poll", crawler.DefaultIdlePoll)
	v.SetDefault("crawler.driver", DriverChromedp)
	v.SetDefault("crawler.headless", true)
	v.SetDefault("crawler.user_agent", "csp-crawler/1.0")
	v.SetDefault("crawler.browser_path", "")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.exclude_paths", []string{})
	v.SetDefault("crawler.retry_backoff", crawler.BackoffNone)
	v.SetDefault("crawler.max_requests_per_second", 0)
	v.SetDefault("output.quiet", false)
	v.SetDefault("output.skip_confirmation", false)
	v.SetDefault("output.format", string(report.FormatJSON))
	v.SetDefault("output.path", "")
	v.SetDefault("output.template", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("storage.provider", storage.ProviderLocal)
	v.SetDefault("storage.base_dir", filepath.Join(xdg.DataHome, AppName, "reports"))
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "csp_runs")
	v.SetDefault("metrics.addr", "")
}

// Validate enforces the values the crawl engine does not check itself.
func (c Config) Validate() error {
	switch c.Crawler.Driver {
	case DriverChromedp, DriverRod, DriverColly:
	default:
		return fmt.Errorf("%w: crawler.driver must be one of chromedp, rod, colly", crawler.ErrInvalidConfig)
	}
	if c.Crawler.DelayMS < 0 {
		return fmt.Errorf("%w: crawler.delay_ms must be >= 0", crawler.ErrInvalidConfig)
	}
	if c.Crawler.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("%w: crawler.max_requests_per_second must be >= 0", crawler.ErrInvalidConfig)
	}
	if _, err := crawler.NewRetryPolicy(c.Crawler.RetryBackoff); err != nil {
		return err
	}
	if _, err := report.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("%w: output.format: %v", crawler.ErrInvalidConfig, err)
	}
	switch c.Storage.Provider {
	case storage.ProviderLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("%w: storage.base_dir is required for the local provider", crawler.ErrInvalidConfig)
		}
	case storage.ProviderGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("%w: storage.gcs_bucket is required for the gcs provider", crawler.ErrInvalidConfig)
		}
	case storage.ProviderMemory:
	default:
		return fmt.Errorf("%w: storage.provider must be one of local, gcs, memory", crawler.ErrInvalidConfig)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("%w: pubsub.project_id is required when pubsub.topic is set", crawler.ErrInvalidConfig)
	}
	return nil
}

// Core converts to the immutable crawler.Config for one run of baseURL.
// An empty baseURL falls back to crawler.base_url.
func (c Config) Core(baseURL string) crawler.Config {
	if baseURL == "" {
		baseURL = c.Crawler.BaseURL
	}
	return crawler.Config{
		BaseURL:           baseURL,
		MaxPages:          c.Crawler.MaxPages,
		MaxLinksPerPage:   c.Crawler.MaxLinksPerPage,
		MaxDepth:          c.Crawler.MaxDepth,
		Concurrency:       c.Crawler.Concurrency,
		MaxRetries:        c.Crawler.MaxRetries,
		Delay:             time.Duration(c.Crawler.DelayMS) * time.Millisecond,
		NavigationTimeout: c.Crawler.NavigationTimeout,
		IdlePoll:          c.Crawler.IdlePoll,
		Headless:          c.Crawler.Headless,
		Quiet:             c.Output.Quiet,
		SkipConfirmation:  c.Output.SkipConfirmation,
		ExcludePaths:      append([]string(nil), c.Crawler.ExcludePaths...),
	}
}
