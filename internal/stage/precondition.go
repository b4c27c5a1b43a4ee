package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

// Precondition applies the robots decision and hands the host's crawl delay
// to the politeness limiter.
type Precondition struct {
	crawler.SharedProcessor
	robots    RobotsGate
	limiter   HostLimiter
	userAgent string
	logger    *zap.Logger
}

// NewPrecondition builds the robots stage. limiter may be nil.
func NewPrecondition(gate RobotsGate, limiter HostLimiter, userAgent string, logger *zap.Logger) (*Precondition, error) {
	if gate == nil {
		return nil, errors.New("precondition requires a robots gate")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Precondition{
		robots:    gate,
		limiter:   limiter,
		userAgent: userAgent,
		logger:    logger.Named(NamePrecondition),
	}, nil
}

// Name implements crawler.Processor.
func (p *Precondition) Name() string { return NamePrecondition }

// Process implements crawler.Processor.
func (p *Precondition) Process(ctx context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	disallowed, policy, err := p.robots.Disallows(ctx, item)
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("robots decision: %w", err)
	}
	if disallowed {
		item.SetStatus(crawler.StatusRobotsPrecluded)
		item.Annotate("robots")
		metrics.ObserveRobotsPrecluded()
		p.logger.Debug("precluded by robots", zap.String("url", item.URL))
		return crawler.ResultFinish, nil
	}

	if policy == nil {
		return crawler.ResultProceed, nil
	}
	ua := item.UserAgent
	if ua == "" {
		ua = p.userAgent
	}
	if delay := policy.CrawlDelay(ua); delay > 0 {
		item.CrawlDelay = delay
		if p.limiter != nil {
			p.limiter.SetCrawlDelay(item.URL, delay)
		}
	}
	return crawler.ResultProceed, nil
}
