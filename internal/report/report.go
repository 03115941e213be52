package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
	"github.com/mostlyserious/csp-crawler/internal/csp"
	"github.com/mostlyserious/csp-crawler/internal/hash/sha256"
)

// Report is everything persisted for one run.
type Report struct {
	RunID    string         `json:"run_id" yaml:"run_id"`
	Result   crawler.Result `json:"result" yaml:"result"`
	Findings csp.Findings   `json:"findings" yaml:"findings"`
	// Policy is the suggested header value.
	Policy string `json:"policy" yaml:"policy"`
}

// New builds a report from a finished run.
func New(res crawler.Result, findings csp.Findings, policy csp.Policy) Report {
	return Report{
		RunID:    res.RunID,
		Result:   res,
		Findings: findings,
		Policy:   policy.String(),
	}
}

// StartedAt derives the start of the run from its completion time.
func (r Report) StartedAt() time.Time {
	return r.Result.Timestamp.Add(-r.Result.Duration)
}

// Summary is the compact record shared with the run store and the
// completion notification.
type Summary struct {
	RunID              string    `json:"run_id"`
	BaseURL            string    `json:"base_url"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Partial            bool      `json:"partial"`
	Pages              int       `json:"pages"`
	Failed             int       `json:"failed"`
	Abandoned          int       `json:"abandoned"`
	Errors             int       `json:"errors"`
	PagesWithoutPolicy int       `json:"pages_without_policy"`
	ExternalSources    int       `json:"external_sources"`
	// PolicySHA256 fingerprints the suggested policy; runs with equal values
	// observed the same sources.
	PolicySHA256       string    `json:"policy_sha256,omitempty"`
	ReportURI          string    `json:"report_uri,omitempty"`
}

// Summarize condenses the report. uri is where the full report was written.
func (r Report) Summarize(uri string) Summary {
	return Summary{
		RunID:              r.RunID,
		BaseURL:            r.Result.Config.BaseURL,
		StartedAt:          r.StartedAt(),
		FinishedAt:         r.Result.Timestamp,
		Partial:            r.Result.Partial,
		Pages:              len(r.Result.Visited),
		Failed:             len(r.Result.Failed),
		Abandoned:          len(r.Result.Abandoned),
		Errors:             len(r.Result.Stats.Errors),
		PagesWithoutPolicy: r.Findings.PagesWithoutPolicy(),
		ExternalSources:    len(r.Findings.Sources),
		PolicySHA256:       sha256.New().Policy(r.Policy),
		ReportURI:          uri,
	}
}

// Line renders the one-line summary printed after a run.
func (s Summary) Line() string {
	state := "complete"
	if s.Partial {
		state = "partial"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s crawl of %s: %d pages, %d failed, %d abandoned, %d without policy, %d third-party sources",
		state, s.BaseURL, s.Pages, s.Failed, s.Abandoned, s.PagesWithoutPolicy, s.ExternalSources)
	if s.ReportURI != "" {
		fmt.Fprintf(&b, "; report: %s", s.ReportURI)
	}
	return b.String()
}
