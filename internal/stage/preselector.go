package stage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Preselector finishes items that fell out of scope before any network work.
type Preselector struct {
	crawler.SharedProcessor
	scope  ScopeDecider
	logger *zap.Logger
}

// NewPreselector builds the scope stage.
func NewPreselector(scope ScopeDecider, logger *zap.Logger) (*Preselector, error) {
	if scope == nil {
		return nil, errors.New("preselector requires a scope")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preselector{scope: scope, logger: logger.Named(NamePreselector)}, nil
}

// Name implements crawler.Processor.
func (p *Preselector) Name() string { return NamePreselector }

// Process implements crawler.Processor.
func (p *Preselector) Process(_ context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	status := p.scope.Decide(item)
	if status == crawler.StatusUnattempted {
		return crawler.ResultProceed, nil
	}
	item.SetStatus(status)
	p.logger.Debug("item out of scope", zap.String("url", item.URL), zap.Stringer("status", status))
	return crawler.ResultFinish, nil
}
