// Package cmd defines the csp-crawler CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "csp-crawler",
		Short: "Crawl a site and suggest a Content-Security-Policy.",
		Long: `csp-crawler walks every same-origin page reachable from a seed URL in a
real browser, records the policies each page delivers and the third-party
sources it loads, and writes a report with a suggested policy.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./config.yaml and $XDG_CONFIG_HOME/csp-crawler/config.yaml)")

	cmd.AddCommand(newCrawlCmd(&cfgFile))
	cmd.AddCommand(newHistoryCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
