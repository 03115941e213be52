package crawler

import (
	"time"
)

// Entry is one unit of work in the frontier.
type Entry struct {
	URL        string `json:"url" yaml:"url"`
	Depth      int    `json:"depth" yaml:"depth"`
	RetryCount int    `json:"retry_count" yaml:"retry_count"`
}

// ErrorRecord captures a URL that exhausted its retries.
type ErrorRecord struct {
	URL      string `json:"url" yaml:"url"`
	Message  string `json:"message" yaml:"message"`
	Attempts int    `json:"attempts" yaml:"attempts"`
}

// RedirectRecord captures a navigation that ended on another origin.
type RedirectRecord struct {
	From   string   `json:"from" yaml:"from"`
	To     string   `json:"to" yaml:"to"`
	Chain  []string `json:"chain,omitempty" yaml:"chain,omitempty"`
	Reason string   `json:"reason" yaml:"reason"`
}

// Stats are the run-wide counters.
type Stats struct {
	PagesScanned      int           `json:"pages_scanned" yaml:"pages_scanned"`
	LinksFound        int           `json:"links_found" yaml:"links_found"`
	NewLinksFound     int           `json:"new_links_found" yaml:"new_links_found"`
	LinksTruncated    int           `json:"links_truncated" yaml:"links_truncated"`
	LinksDisallowed   int           `json:"links_disallowed" yaml:"links_disallowed"`
	RedirectsExternal int           `json:"redirects_external" yaml:"redirects_external"`
	Retries           int           `json:"retries" yaml:"retries"`
	DepthDiscarded    int           `json:"depth_discarded" yaml:"depth_discarded"`
	RequestsBlocked   int           `json:"requests_blocked" yaml:"requests_blocked"`
	Errors            []ErrorRecord `json:"errors" yaml:"errors"`
}

// Result is the summary returned when a run ends.
type Result struct {
	RunID     string           `json:"run_id" yaml:"run_id"`
	Timestamp time.Time        `json:"timestamp" yaml:"timestamp"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
	Partial   bool             `json:"partial" yaml:"partial"`
	Origin    string           `json:"origin" yaml:"origin"`
	Visited   []string         `json:"visited" yaml:"visited"`
	Failed    []string         `json:"failed" yaml:"failed"`
	Abandoned []string         `json:"abandoned" yaml:"abandoned"`
	Redirects []RedirectRecord `json:"redirects" yaml:"redirects"`
	Stats     Stats            `json:"stats" yaml:"stats"`
	Config    Config           `json:"config" yaml:"config"`
}

// Snapshot is a point-in-time view of a run in progress.
type Snapshot struct {
	RunID    string `json:"run_id"`
	BaseURL  string `json:"base_url"`
	Running  bool   `json:"running"`
	Queued   int    `json:"queued"`
	InFlight int    `json:"in_flight"`
	Visited  int    `json:"visited"`
	Failed   int    `json:"failed"`
	Stats    Stats  `json:"stats"`
}
