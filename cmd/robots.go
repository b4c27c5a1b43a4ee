package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/robots"
)

func newRobotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robots",
		Short: "Inspect robots.txt decisions",
	}
	cmd.AddCommand(newRobotsCheckCmd())
	return cmd
}

// newRobotsCheckCmd evaluates URLs against their hosts' robots.txt using the
// configured honoring policy, without crawling anything.
func newRobotsCheckCmd() *cobra.Command {
	var agent string
	var policyType string
	cmd := &cobra.Command{
		Use:   "check url...",
		Short: "Reports whether the crawler may fetch each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if agent != "" {
				cfg.Crawl.UserAgent = agent
			}
			if policyType != "" {
				t, err := robots.ParsePolicyType(policyType)
				if err != nil {
					return err
				}
				cfg.Robots.Honoring.Type = t
			}
			enforcer, err := robots.NewEnforcer(robots.EnforcerConfig{
				Honoring:       cfg.Robots.Honoring,
				UserAgent:      cfg.Crawl.UserAgent,
				TTL:            cfg.Robots.TTL,
				MaxBytes:       cfg.Robots.MaxBytes,
				AgentCacheSize: cfg.Robots.AgentCacheSize,
				Retry:          crawler.BackoffConfig{MaxAttempts: cfg.Robots.FetchAttempts},
			}, &http.Client{Timeout: cfg.FetchTimeout()}, zap.NewNop())
			if err != nil {
				return fmt.Errorf("robots enforcer: %w", err)
			}
			return checkRobots(cmd, enforcer, cfg, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "user agent to evaluate (default crawl.user_agent)")
	cmd.Flags().StringVar(&policyType, "policy", "", "override robots.honoring.type")
	return cmd
}

func checkRobots(cmd *cobra.Command, enforcer *robots.Enforcer, cfg *config.Config, urls []string, out io.Writer) error {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"URL", "Decision", "Agent", "Crawl-delay", "Sitemaps"})
	for _, raw := range urls {
		item, err := crawler.NewWorkItem(raw)
		if err != nil {
			return fmt.Errorf("url %q: %w", raw, err)
		}
		disallowed, policy, err := enforcer.Disallows(cmd.Context(), item)
		if err != nil {
			return fmt.Errorf("check %q: %w", raw, err)
		}
		decision := "allow"
		if disallowed {
			decision = "disallow"
		}
		ua := item.UserAgent
		if ua == "" {
			ua = cfg.Crawl.UserAgent
		}
		delay, sitemaps := "-", "-"
		if policy != nil {
			if d := policy.CrawlDelay(ua); d > 0 {
				delay = d.String()
			}
			if s := policy.Sitemaps(); len(s) > 0 {
				sitemaps = strings.Join(s, "\n")
			}
		}
		t.AppendRow(table.Row{item.URL, decision, ua, delay, sitemaps})
	}
	t.Render()
	return nil
}
