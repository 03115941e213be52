package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mostlyserious/csp-crawler/internal/app"
	"github.com/mostlyserious/csp-crawler/internal/config"
	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

// exitInterrupted is the status used when a second interrupt forces an exit.
const exitInterrupted = 130

// forceExit is replaced in tests.
var forceExit = func(w io.Writer) {
	fmt.Fprintln(w, "second interrupt; exiting without a report")
	os.Exit(exitInterrupted)
}

func newCrawlCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url]",
		Short: "Crawl a site and report its Content-Security-Policy coverage",
		Long: `Crawls every same-origin page reachable from url, up to the configured
page, depth and link budgets. The first interrupt finishes in-flight pages
and writes a partial report; a second one exits immediately.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var baseURL string
			if len(args) == 1 {
				baseURL = args[0]
			}
			return runCrawl(cmd, *cfgFile, baseURL)
		},
	}
	addCrawlFlags(cmd.Flags())
	return cmd
}

func addCrawlFlags(f *pflag.FlagSet) {
	f.Int("max-pages", crawler.DefaultMaxPages, "stop after this many pages")
	f.Int("max-depth", crawler.DefaultMaxDepth, "maximum link depth from the seed")
	f.Int("max-links", crawler.DefaultMaxLinksPerPage, "links kept per page; 0 disables the cap")
	f.Int("concurrency", crawler.DefaultConcurrency, "number of browser tabs")
	f.Int("max-retries", crawler.DefaultMaxRetries, "retries per failed page")
	f.Int("delay", int(crawler.DefaultDelay.Milliseconds()), "per-worker pause between pages in milliseconds")
	f.Duration("timeout", crawler.DefaultNavigationTimeout, "navigation timeout")
	f.String("driver", config.DriverChromedp, "browser driver: chromedp, rod or colly")
	f.Bool("headless", true, "run the browser without a window")
	f.String("browser-path", "", "browser binary to launch")
	f.String("user-agent", "", "user agent for pages and robots.txt")
	f.Bool("robots", false, "honor robots.txt for discovered links")
	f.StringSlice("exclude", nil, "path globs that are never enqueued")
	f.String("backoff", crawler.BackoffNone, "retry backoff: none or exponential")
	f.Float64("rps", 0, "global navigation cap in requests per second; 0 disables")
	f.BoolP("quiet", "q", false, "only log warnings and errors")
	f.BoolP("yes", "y", false, "skip the confirmation prompt")
	f.String("format", "json", "report format: json, yaml or markdown")
	f.StringP("output", "o", "", "write the suggested policy here instead of stdout")
	f.String("template", "", "text/template file used to render the policy")
	f.String("storage", "local", "report storage: local, gcs or memory")
	f.String("report-dir", "", "directory for the local report store")
	f.String("gcs-bucket", "", "bucket for the gcs report store")
	f.String("pubsub-project", "", "project of the completion topic")
	f.String("pubsub-topic", "", "topic that receives a message per run")
	f.String("db-dsn", "", "Postgres DSN for run history")
	f.String("metrics-addr", "", "serve /metrics and /v1/status on this address during the run")
	f.Bool("dev", false, "human-readable development logging")
}

func runCrawl(cmd *cobra.Command, cfgFile, baseURL string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	ctx, stop := crawler.WatchInterrupts(cmd.Context(), signals, func() { forceExit(cmd.ErrOrStderr()) })
	defer stop()

	a, err := app.Build(ctx, cfg, baseURL,
		app.WithConfirmer(promptConfirmer{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}),
		app.WithPolicyWriter(cmd.OutOrStdout()),
	)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "shutdown:", cerr)
		}
	}()

	out, err := a.Run(ctx)
	switch {
	case errors.Is(err, crawler.ErrDeclined):
		fmt.Fprintln(cmd.ErrOrStderr(), "crawl canceled")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), out.Summary.Line())
	return nil
}
