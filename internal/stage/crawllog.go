package stage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// CrawlLog writes one line per finished item: always to the log, and to a
// repository when one is configured. Instances are per worker so each line
// names the worker that processed the item.
type CrawlLog struct {
	repo    store.CrawlLogRepository
	clock   crawler.Clock
	crawlID uuid.UUID
	logger  *zap.Logger
	ordinal int
}

// NewCrawlLog builds the crawl log stage. repo and clock may be nil.
func NewCrawlLog(repo store.CrawlLogRepository, clock crawler.Clock, crawlID uuid.UUID, logger *zap.Logger) *CrawlLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlLog{repo: repo, clock: clock, crawlID: crawlID, logger: logger.Named(NameCrawlLog), ordinal: -1}
}

// Name implements crawler.Processor.
func (c *CrawlLog) Name() string { return NameCrawlLog }

// RequiresPerWorkerInstance implements crawler.Processor.
func (c *CrawlLog) RequiresPerWorkerInstance() bool { return true }

// Spawn implements crawler.Processor.
func (c *CrawlLog) Spawn(ordinal int) crawler.Processor {
	out := *c
	out.ordinal = ordinal
	return &out
}

// Process implements crawler.Processor. Repository failures are logged and
// never fail the item.
func (c *CrawlLog) Process(ctx context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	now := time.Now()
	if c.clock != nil {
		now = c.clock.Now()
	}
	entry := store.CrawlLogEntry{
		CrawlID:      c.crawlID,
		LoggedAt:     now.UTC(),
		Worker:       c.ordinal,
		URL:          item.URL,
		Via:          item.Via,
		PathFromSeed: item.PathFromSeed,
		FetchStatus:  int(item.Status()),
		Attempts:     item.FetchAttempts(),
		ContentType:  item.ContentType,
		ContentSize:  item.ContentSize,
		Digest:       item.ContentDigest,
		StoredURI:    item.StoredURI,
		Annotations:  item.Annotations(),
	}
	c.logger.Info("crawled",
		zap.Int("worker", entry.Worker),
		zap.Int("status", entry.FetchStatus),
		zap.Int64("size", entry.ContentSize),
		zap.String("url", entry.URL),
		zap.String("path", entry.PathFromSeed),
		zap.String("via", entry.Via),
		zap.String("type", entry.ContentType),
		zap.String("digest", entry.Digest),
		zap.Strings("annotations", entry.Annotations))
	if c.repo == nil {
		return crawler.ResultProceed, nil
	}
	if err := c.repo.AppendCrawlLog(ctx, entry); err != nil {
		c.logger.Warn("append crawl log failed", zap.String("url", item.URL), zap.Error(err))
	}
	return crawler.ResultProceed, nil
}
