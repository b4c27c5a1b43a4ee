package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/polite-crawler/internal/app"
	"github.com/JakeFAU/polite-crawler/internal/config"
)

type crawlOptions struct {
	seeds    []string
	workers  int
	noServer bool
	serve    bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl from the
// configured seeds plus any given on the command line.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Starts a crawl",
		Long: `Schedules the seeds, starts the worker pool and the status API, and
runs until the frontier drains or the process receives SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			opts.seeds = append(opts.seeds, args...)
			if err := opts.apply(cfg); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringSliceVar(&opts.seeds, "seed", nil, "additional seed URL (repeatable)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "override workers.count")
	cmd.Flags().BoolVar(&opts.noServer, "no-server", false, "do not start the status API")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "keep serving the status API after the crawl drains")
	return cmd
}

func (o crawlOptions) apply(cfg *config.Config) error {
	cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, o.seeds...)
	if o.workers > 0 {
		cfg.Workers.Count = o.workers
		if cfg.Workers.Max < o.workers {
			cfg.Workers.Max = o.workers
		}
	}
	if o.noServer {
		cfg.Server.Enabled = false
	}
	if o.serve {
		cfg.Crawl.ExitWhenDone = false
	}
	if len(cfg.Crawl.Seeds) == 0 {
		return errors.New("no seeds: set crawl.seeds or pass seed URLs")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func runCrawl(ctx context.Context, cfg *config.Config) error {
	instance, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := instance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}
