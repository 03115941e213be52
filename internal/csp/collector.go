package csp

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

const (
	headerPolicy     = "Content-Security-Policy"
	headerReportOnly = "Content-Security-Policy-Report-Only"
	maxExamples      = 5
)

// Issue kinds reported per page.
const (
	IssueMissing      = "csp_missing"
	IssueReportOnly   = "csp_report_only"
	IssueUnsafeInline = "csp_unsafe_inline"
	IssueUnsafeEval   = "csp_unsafe_eval"
	IssueWildcard     = "csp_wildcard_source"
)

var (
	violationDirective = regexp.MustCompile(`directive:?\s*"([a-z-]+)`)
	violationBlocked   = regexp.MustCompile(`Refused to [^'"]*'([^']+)'`)
)

// Issue is one weakness found in a page's policy.
type Issue struct {
	Kind      string `json:"kind" yaml:"kind"`
	Directive string `json:"directive,omitempty" yaml:"directive,omitempty"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// PageReport holds the policies a page delivered.
type PageReport struct {
	URL        string   `json:"url" yaml:"url"`
	Depth      int      `json:"depth" yaml:"depth"`
	Status     int      `json:"status" yaml:"status"`
	Header     []string `json:"header,omitempty" yaml:"header,omitempty"`
	ReportOnly []string `json:"report_only,omitempty" yaml:"report_only,omitempty"`
	Meta       []string `json:"meta,omitempty" yaml:"meta,omitempty"`
	Issues     []Issue  `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// HasPolicy reports whether any enforced policy was delivered.
func (p PageReport) HasPolicy() bool {
	return len(p.Header) > 0 || len(p.Meta) > 0
}

// ExternalSource is a third-party origin observed under one directive.
type ExternalSource struct {
	Directive string   `json:"directive" yaml:"directive"`
	Origin    string   `json:"origin" yaml:"origin"`
	Requests  int      `json:"requests" yaml:"requests"`
	Examples  []string `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// Violation is a console entry the browser emitted for a blocked load.
type Violation struct {
	PageURL    string `json:"page_url" yaml:"page_url"`
	Directive  string `json:"directive,omitempty" yaml:"directive,omitempty"`
	BlockedURL string `json:"blocked_url,omitempty" yaml:"blocked_url,omitempty"`
	ReportOnly bool   `json:"report_only,omitempty" yaml:"report_only,omitempty"`
	Text       string `json:"text" yaml:"text"`
}

// Findings is a sorted snapshot of everything a Collector saw.
type Findings struct {
	Origin     string           `json:"origin" yaml:"origin"`
	Pages      []PageReport     `json:"pages" yaml:"pages"`
	Sources    []ExternalSource `json:"sources" yaml:"sources"`
	Violations []Violation      `json:"violations" yaml:"violations"`
}

// PagesWithoutPolicy counts pages that delivered no enforced policy.
func (f Findings) PagesWithoutPolicy() int {
	n := 0
	for _, p := range f.Pages {
		if !p.HasPolicy() {
			n++
		}
	}
	return n
}

type sourceKey struct {
	directive string
	origin    string
}

type sourceAgg struct {
	requests int
	examples []string
}

// Collector implements crawler.Hooks and accumulates CSP findings. It is
// safe for concurrent use by every worker.
type Collector struct {
	origin string
	logger *zap.Logger

	mu         sync.Mutex
	pages      map[string]PageReport
	sources    map[sourceKey]*sourceAgg
	violations map[string]Violation
}

var _ crawler.Hooks = (*Collector)(nil)

// NewCollector returns a collector for a crawl of origin.
func NewCollector(origin string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		origin:     origin,
		logger:     logger.Named("csp"),
		pages:      make(map[string]PageReport),
		sources:    make(map[sourceKey]*sourceAgg),
		violations: make(map[string]Violation),
	}
}

// OnPageVisit records the page's header and meta policies. A page without
// a policy is a finding, not an error.
func (c *Collector) OnPageVisit(ctx context.Context, page crawler.Page, rawURL string, depth int, resp *crawler.Response) error {
	report := PageReport{URL: rawURL, Depth: depth}
	var headers http.Header
	if resp != nil {
		report.Status = resp.StatusCode
		headers = resp.Headers
	}
	report.Header = headerValues(headers, headerPolicy)
	report.ReportOnly = headerValues(headers, headerReportOnly)

	var contentErr error
	if page != nil {
		html, err := page.Content(ctx)
		if err != nil {
			contentErr = fmt.Errorf("read document for meta policy: %w", err)
		} else {
			report.Meta = metaPolicies(html)
		}
	}
	report.Issues = assess(report)

	c.mu.Lock()
	c.pages[rawURL] = report
	c.mu.Unlock()

	if !report.HasPolicy() {
		c.logger.Debug("page has no enforced policy", zap.String("url", rawURL))
	}
	return contentErr
}

// OnRequestIntercept records third-party origins per directive and leaves
// the disposition to the crawler.
func (c *Collector) OnRequestIntercept(req crawler.Request) crawler.Decision {
	origin := crawler.Origin(req.URL())
	if origin == "" || origin == c.origin {
		return crawler.PassThrough
	}
	directive := DirectiveFor(req.ResourceType(), req.IsNavigation())
	if directive == "" {
		return crawler.PassThrough
	}
	key := sourceKey{directive: directive, origin: origin}
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.sources[key]
	if !ok {
		agg = &sourceAgg{}
		c.sources[key] = agg
	}
	agg.requests++
	if len(agg.examples) < maxExamples && !slices.Contains(agg.examples, req.URL()) {
		agg.examples = append(agg.examples, req.URL())
	}
	return crawler.PassThrough
}

// OnConsoleMessage records entries that look like policy violations.
func (c *Collector) OnConsoleMessage(msg crawler.ConsoleMessage, pageURL string) {
	v, ok := ParseViolation(msg.Text)
	if !ok {
		return
	}
	v.PageURL = pageURL
	key := pageURL + "\x00" + v.Text
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.violations[key]; dup {
		return
	}
	c.violations[key] = v
}

// ParseViolation extracts the directive and blocked URL from a browser
// violation message.
func ParseViolation(text string) (Violation, bool) {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "Content Security Policy") && !strings.HasPrefix(trimReportOnly(text), "Refused to") {
		return Violation{}, false
	}
	v := Violation{Text: text, ReportOnly: strings.HasPrefix(text, "[Report Only]")}
	if m := violationDirective.FindStringSubmatch(text); m != nil {
		v.Directive = m[1]
	}
	if m := violationBlocked.FindStringSubmatch(text); m != nil {
		v.BlockedURL = m[1]
	}
	return v, true
}

func trimReportOnly(text string) string {
	return strings.TrimSpace(strings.TrimPrefix(text, "[Report Only]"))
}

// Findings returns a deterministic snapshot.
func (c *Collector) Findings() Findings {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := Findings{
		Origin:     c.origin,
		Pages:      make([]PageReport, 0, len(c.pages)),
		Sources:    make([]ExternalSource, 0, len(c.sources)),
		Violations: make([]Violation, 0, len(c.violations)),
	}
	for _, p := range c.pages {
		f.Pages = append(f.Pages, p)
	}
	sort.Slice(f.Pages, func(i, j int) bool { return f.Pages[i].URL < f.Pages[j].URL })

	for key, agg := range c.sources {
		examples := append([]string{}, agg.examples...)
		sort.Strings(examples)
		f.Sources = append(f.Sources, ExternalSource{
			Directive: key.directive,
			Origin:    key.origin,
			Requests:  agg.requests,
			Examples:  examples,
		})
	}
	sort.Slice(f.Sources, func(i, j int) bool {
		if f.Sources[i].Directive != f.Sources[j].Directive {
			return f.Sources[i].Directive < f.Sources[j].Directive
		}
		return f.Sources[i].Origin < f.Sources[j].Origin
	})

	for _, v := range c.violations {
		f.Violations = append(f.Violations, v)
	}
	sort.Slice(f.Violations, func(i, j int) bool {
		if f.Violations[i].PageURL != f.Violations[j].PageURL {
			return f.Violations[i].PageURL < f.Violations[j].PageURL
		}
		return f.Violations[i].Text < f.Violations[j].Text
	})
	return f
}

func headerValues(h http.Header, name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// metaPolicies returns the content of every CSP meta tag. Report-only
// policies cannot be delivered through meta and are ignored by browsers.
func metaPolicies(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), headerPolicy) {
			return
		}
		if content, ok := s.Attr("content"); ok && strings.TrimSpace(content) != "" {
			out = append(out, strings.TrimSpace(content))
		}
	})
	return out
}

// assess flags weaknesses in the enforced policies of a page.
func assess(p PageReport) []Issue {
	if !p.HasPolicy() {
		if len(p.ReportOnly) > 0 {
			return []Issue{{Kind: IssueReportOnly, Detail: "policy is delivered in report-only mode"}}
		}
		return []Issue{{Kind: IssueMissing, Detail: "no Content-Security-Policy header or meta tag"}}
	}
	var issues []Issue
	seen := make(map[Issue]struct{})
	add := func(issue Issue) {
		if _, ok := seen[issue]; ok {
			return
		}
		seen[issue] = struct{}{}
		issues = append(issues, issue)
	}
	for _, raw := range append(append([]string{}, p.Header...), p.Meta...) {
		policy := ParsePolicy(raw)
		for _, directive := range []string{ScriptSrc, StyleSrc} {
			sources := policy.Sources(directive)
			if slices.Contains(sources, "'unsafe-inline'") && !hasNonceOrHash(sources) {
				add(Issue{Kind: IssueUnsafeInline, Directive: directive})
			}
		}
		if slices.Contains(policy.Sources(ScriptSrc), "'unsafe-eval'") {
			add(Issue{Kind: IssueUnsafeEval, Directive: ScriptSrc})
		}
		for _, directive := range policy.Directives() {
			for _, src := range policy[directive] {
				if src == "*" || src == "http:" || src == "https:" {
					add(Issue{Kind: IssueWildcard, Directive: directive, Detail: src})
				}
			}
		}
	}
	return issues
}

// hasNonceOrHash reports whether sources contain a nonce or hash, which
// makes browsers ignore 'unsafe-inline'.
func hasNonceOrHash(sources []string) bool {
	for _, s := range sources {
		if strings.HasPrefix(s, "'nonce-") || strings.HasPrefix(s, "'sha256-") ||
			strings.HasPrefix(s, "'sha384-") || strings.HasPrefix(s, "'sha512-") {
			return true
		}
	}
	return false
}
