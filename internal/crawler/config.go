package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors returned by the engine.
var (
	// ErrInvalidBaseURL reports a seed that is not an absolute http or https URL.
	ErrInvalidBaseURL = errors.New("invalid base url")
	// ErrInvalidConfig reports a configuration value outside its allowed range.
	ErrInvalidConfig = errors.New("invalid crawler config")
	// ErrDeclined is returned when the pre-flight confirmation is refused.
	ErrDeclined = errors.New("crawl declined")
	// ErrAlreadyRun is returned when Run is called twice on one engine.
	ErrAlreadyRun = errors.New("engine already ran")
	// ErrBrowserClosed is returned by drivers once Close has been called.
	ErrBrowserClosed = errors.New("browser closed")
)

// Default limits applied by DefaultConfig.
const (
	DefaultMaxPages          = 50
	DefaultMaxLinksPerPage   = 100
	DefaultMaxDepth          = 3
	DefaultConcurrency       = 3
	DefaultMaxRetries        = 2
	DefaultDelay             = 250 * time.Millisecond
	DefaultNavigationTimeout = 30 * time.Second
	DefaultIdlePoll          = 100 * time.Millisecond
)

// Config is the fully resolved configuration of one crawl run.
type Config struct {
	BaseURL           string        `json:"base_url" yaml:"base_url"`
	MaxPages          int           `json:"max_pages" yaml:"max_pages"`
	MaxLinksPerPage   int           `json:"max_links_per_page" yaml:"max_links_per_page"`
	MaxDepth          int           `json:"max_depth" yaml:"max_depth"`
	Concurrency       int           `json:"concurrency" yaml:"concurrency"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	Delay             time.Duration `json:"delay" yaml:"delay"`
	NavigationTimeout time.Duration `json:"navigation_timeout" yaml:"navigation_timeout"`
	IdlePoll          time.Duration `json:"idle_poll" yaml:"idle_poll"`
	Headless          bool          `json:"headless" yaml:"headless"`
	Quiet             bool          `json:"quiet" yaml:"quiet"`
	SkipConfirmation  bool          `json:"skip_confirmation" yaml:"skip_confirmation"`
	ExcludePaths      []string      `json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		MaxPages:          DefaultMaxPages,
		MaxLinksPerPage:   DefaultMaxLinksPerPage,
		MaxDepth:          DefaultMaxDepth,
		Concurrency:       DefaultConcurrency,
		MaxRetries:        DefaultMaxRetries,
		Delay:             DefaultDelay,
		NavigationTimeout: DefaultNavigationTimeout,
		IdlePoll:          DefaultIdlePoll,
		Headless:          true,
	}
}

// Validate checks the limits and the seed URL.
func (c Config) Validate() error {
	if _, err := ParseBaseURL(c.BaseURL); err != nil {
		return err
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("%w: max_pages must be > 0", ErrInvalidConfig)
	}
	if c.MaxLinksPerPage < 0 {
		return fmt.Errorf("%w: max_links_per_page must be >= 0", ErrInvalidConfig)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("%w: max_depth must be >= 0", ErrInvalidConfig)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be > 0", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfig)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0", ErrInvalidConfig)
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("%w: navigation_timeout must be > 0", ErrInvalidConfig)
	}
	for _, pattern := range c.ExcludePaths {
		if !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("%w: exclude path %q must start with /", ErrInvalidConfig, pattern)
		}
	}
	return nil
}

// ParseBaseURL parses the seed and rejects anything but absolute http(s) URLs.
func ParseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidBaseURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q must use http or https", ErrInvalidBaseURL, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidBaseURL, raw)
	}
	return u, nil
}

// Plan describes a run before it starts.
type Plan struct {
	RunID       string
	BaseURL     string
	Origin      string
	MaxPages    int
	MaxDepth    int
	Concurrency int
	MaxRetries  int
	Delay       time.Duration
}

func (p Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Crawl %s (origin %s)\n", p.BaseURL, p.Origin)
	fmt.Fprintf(&b, "  max pages:   %d\n", p.MaxPages)
	fmt.Fprintf(&b, "  max depth:   %d\n", p.MaxDepth)
	fmt.Fprintf(&b, "  concurrency: %d\n", p.Concurrency)
	fmt.Fprintf(&b, "  max retries: %d\n", p.MaxRetries)
	fmt.Fprintf(&b, "  delay:       %s\n", p.Delay)
	return b.String()
}
