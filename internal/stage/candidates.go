package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Candidates turns an item's outlinks into child items and schedules the
// ones in scope.
type Candidates struct {
	crawler.SharedProcessor
	scheduler crawler.Scheduler
	scope     ScopeDecider
	seen      *crawler.VisitTracker
	logger    *zap.Logger
}

// NewCandidates builds the scheduling stage. scope may be nil to accept
// every outlink.
func NewCandidates(scheduler crawler.Scheduler, scope ScopeDecider, logger *zap.Logger) (*Candidates, error) {
	if scheduler == nil {
		return nil, errors.New("candidates requires a scheduler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Candidates{
		scheduler: scheduler,
		scope:     scope,
		seen:      crawler.NewVisitTracker(),
		logger:    logger.Named(NameCandidates),
	}, nil
}

// Name implements crawler.Processor.
func (c *Candidates) Name() string { return NameCandidates }

// Process implements crawler.Processor.
func (c *Candidates) Process(ctx context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	links := item.Outlinks()
	if len(links) == 0 {
		return crawler.ResultProceed, nil
	}
	scheduled, rejected := 0, 0
	for _, link := range links {
		child, err := crawler.Child(item, link)
		if err != nil {
			continue
		}
		if c.scope != nil {
			if status := c.scope.Decide(child); status != crawler.StatusUnattempted {
				rejected++
				continue
			}
		}
		if !c.seen.MarkIfNew(child.URL) {
			continue
		}
		if err := c.scheduler.Schedule(ctx, child); err != nil {
			c.seen.Forget(child.URL)
			if ctx.Err() != nil {
				return crawler.ResultProceed, fmt.Errorf("schedule outlinks: %w", ctx.Err())
			}
			c.logger.Warn("schedule outlink failed", zap.String("url", child.URL), zap.Error(err))
			continue
		}
		scheduled++
	}
	c.logger.Debug("outlinks scheduled",
		zap.String("url", item.URL),
		zap.Int("scheduled", scheduled),
		zap.Int("rejected", rejected))
	return crawler.ResultProceed, nil
}
