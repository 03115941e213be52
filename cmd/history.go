package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mostlyserious/csp-crawler/internal/config"
	"github.com/mostlyserious/csp-crawler/internal/crawler"
	"github.com/mostlyserious/csp-crawler/internal/report"
	pgstore "github.com/mostlyserious/csp-crawler/internal/storage/postgres"
)

type runLister interface {
	RecentRuns(ctx context.Context, baseURL string, limit int) ([]report.Summary, error)
	Close()
}

// openRunLister is replaced in tests.
var openRunLister = func(ctx context.Context, cfg config.DBConfig) (runLister, error) {
	return pgstore.NewRunStore(ctx, pgstore.Config{DSN: cfg.DSN, Table: cfg.Table})
}

func newHistoryCmd(cfgFile *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [url]",
		Short: "List recent runs recorded in the run history table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			baseURL := cfg.Crawler.BaseURL
			if len(args) == 1 {
				baseURL = args[0]
			}
			if baseURL == "" {
				return fmt.Errorf("%w: a url argument or crawler.base_url is required", crawler.ErrInvalidBaseURL)
			}
			if cfg.DB.DSN == "" {
				return fmt.Errorf("%w: db.dsn is required", crawler.ErrInvalidConfig)
			}
			store, err := openRunLister(cmd.Context(), cfg.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.RecentRuns(cmd.Context(), baseURL, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd, runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to list")
	cmd.Flags().String("db-dsn", "", "Postgres DSN for run history")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []report.Summary) error {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tFINISHED\tPAGES\tFAILED\tNO POLICY\tPARTIAL\tREPORT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%t\t%s\n",
			r.RunID, r.FinishedAt.UTC().Format(time.RFC3339), r.Pages, r.Failed, r.PagesWithoutPolicy, r.Partial, r.ReportURI)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("print runs: %w", err)
	}
	return nil
}
