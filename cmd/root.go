// Package cmd defines the CLI commands for the polite-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/polite-crawler/internal/config"
)

type configKey struct{}

// newRootCmd creates the root command. The configuration is loaded once
// before any subcommand runs and handed down through the command context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "polite-crawler",
		Short: "A polite, robots-aware web crawler.",
		Long: `polite-crawler fetches pages breadth-first from a set of seeds,
honoring robots.txt and per-host crawl delays. Every response is captured to
disk before processing, and a status API reports on the worker pool while the
crawl is running.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* environment variables override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newRobotsCmd())
	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
