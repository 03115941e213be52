package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
)

// writeMarkdown renders the report for humans: a run table, the suggested
// policy, then one section per finding class.
func writeMarkdown(w io.Writer, r Report) error {
	md := markdown.NewMarkdown(w)
	res := r.Result

	md.H1("CSP Crawl Report")
	md.PlainText("")
	status := "Complete"
	if res.Partial {
		status = "Partial (interrupted)"
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + r.RunID + "`"},
			{"Base URL", res.Config.BaseURL},
			{"Finished", res.Timestamp.UTC().Format(time.RFC3339)},
			{"Duration", res.Duration.Round(time.Millisecond).String()},
			{"Status", status},
			{"Pages Scanned", strconv.Itoa(res.Stats.PagesScanned)},
			{"Failed", strconv.Itoa(len(res.Failed))},
			{"Abandoned", strconv.Itoa(len(res.Abandoned))},
			{"Retries", strconv.Itoa(res.Stats.Retries)},
			{"Requests Blocked", strconv.Itoa(res.Stats.RequestsBlocked)},
		},
	})
	md.PlainText("")

	missing := r.Findings.PagesWithoutPolicy()
	switch {
	case len(r.Findings.Pages) == 0:
		md.Note("No pages were analyzed.")
	case missing == len(r.Findings.Pages):
		md.Cautionf("None of the %d analyzed pages deliver an enforced policy.", missing)
	case missing > 0:
		md.Warningf("%d of %d analyzed pages deliver no enforced policy.", missing, len(r.Findings.Pages))
	default:
		md.Tip("Every analyzed page delivers an enforced policy.")
	}
	md.PlainText("")

	md.H2("Suggested Policy")
	md.PlainText("")
	md.PlainText("`Content-Security-Policy: " + r.Policy + "`")
	md.PlainText("")

	writePages(md, r)
	writeSources(md, r)
	writeViolations(md, r)
	writeCrawl(md, r)

	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Generated by csp-crawler at %s*", res.Timestamp.UTC().Format(time.RFC3339))
	if err := md.Build(); err != nil {
		return fmt.Errorf("build markdown report: %w", err)
	}
	return nil
}

func writePages(md *markdown.Markdown, r Report) {
	md.H2("Pages")
	md.PlainText("")
	if len(r.Findings.Pages) == 0 {
		md.PlainText("No pages recorded.")
		md.PlainText("")
		return
	}
	rows := make([][]string, 0, len(r.Findings.Pages))
	for _, p := range r.Findings.Pages {
		delivery := "none"
		switch {
		case len(p.Header) > 0:
			delivery = "header"
		case len(p.Meta) > 0:
			delivery = "meta"
		case len(p.ReportOnly) > 0:
			delivery = "report-only"
		}
		kinds := make([]string, 0, len(p.Issues))
		for _, issue := range p.Issues {
			kind := issue.Kind
			if issue.Directive != "" {
				kind += " (" + issue.Directive + ")"
			}
			kinds = append(kinds, kind)
		}
		rows = append(rows, []string{p.URL, strconv.Itoa(p.Depth), strconv.Itoa(p.Status), delivery, strings.Join(kinds, ", ")})
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Depth", "Status", "Policy", "Issues"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeSources(md *markdown.Markdown, r Report) {
	md.H2("Third-Party Sources")
	md.PlainText("")
	if len(r.Findings.Sources) == 0 {
		md.PlainText("No third-party requests observed.")
		md.PlainText("")
		return
	}
	rows := make([][]string, 0, len(r.Findings.Sources))
	for _, s := range r.Findings.Sources {
		rows = append(rows, []string{s.Directive, s.Origin, strconv.Itoa(s.Requests)})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Directive", "Origin", "Requests"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeViolations(md *markdown.Markdown, r Report) {
	if len(r.Findings.Violations) == 0 {
		return
	}
	md.H2("Console Violations")
	md.PlainText("")
	rows := make([][]string, 0, len(r.Findings.Violations))
	for _, v := range r.Findings.Violations {
		mode := "enforced"
		if v.ReportOnly {
			mode = "report-only"
		}
		rows = append(rows, []string{v.PageURL, v.Directive, v.BlockedURL, mode})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Page", "Directive", "Blocked", "Mode"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeCrawl(md *markdown.Markdown, r Report) {
	res := r.Result
	if len(res.Redirects) > 0 {
		md.H2("External Redirects")
		md.PlainText("")
		rows := make([][]string, 0, len(res.Redirects))
		for _, rd := range res.Redirects {
			rows = append(rows, []string{rd.From, rd.To, rd.Reason})
		}
		md.Table(markdown.TableSet{Header: []string{"From", "To", "Reason"}, Rows: rows})
		md.PlainText("")
	}
	if len(res.Stats.Errors) > 0 {
		md.H2("Errors")
		md.PlainText("")
		rows := make([][]string, 0, len(res.Stats.Errors))
		for _, e := range res.Stats.Errors {
			rows = append(rows, []string{e.URL, strconv.Itoa(e.Attempts), e.Message})
		}
		md.Table(markdown.TableSet{Header: []string{"URL", "Attempts", "Message"}, Rows: rows})
		md.PlainText("")
	}
	if len(res.Abandoned) > 0 {
		md.H2("Abandoned")
		md.PlainText("")
		md.BulletList(res.Abandoned...)
		md.PlainText("")
	}
}
