package stage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Record is the message published for every fetched item.
type Record struct {
	CrawlID      string    `json:"crawl_id"`
	URL          string    `json:"url"`
	Via          string    `json:"via,omitempty"`
	PathFromSeed string    `json:"path_from_seed"`
	Status       int       `json:"status"`
	ContentType  string    `json:"content_type,omitempty"`
	ContentSize  int64     `json:"content_size"`
	Digest       string    `json:"digest,omitempty"`
	StoredURI    string    `json:"stored_uri,omitempty"`
	Outlinks     int       `json:"outlinks"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Attributes exposes filterable fields as message attributes.
func (r Record) Attributes() map[string]string {
	return map[string]string{
		"crawl_id": r.CrawlID,
		"status":   strconv.Itoa(r.Status),
	}
}

// Announce publishes a Record for each fetched item.
type Announce struct {
	crawler.SharedProcessor
	publisher crawler.Publisher
	topic     string
	crawlID   string
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewAnnounce builds the publishing stage. clock may be nil.
func NewAnnounce(publisher crawler.Publisher, topic, crawlID string, clock crawler.Clock, logger *zap.Logger) (*Announce, error) {
	if publisher == nil {
		return nil, errors.New("announce requires a publisher")
	}
	if topic == "" {
		return nil, errors.New("announce requires a topic")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announce{
		publisher: publisher,
		topic:     topic,
		crawlID:   crawlID,
		clock:     clock,
		logger:    logger.Named(NameAnnounce),
	}, nil
}

// Name implements crawler.Processor.
func (a *Announce) Name() string { return NameAnnounce }

// Process implements crawler.Processor. Publish failures are logged and
// never fail the item.
func (a *Announce) Process(ctx context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	if item.Status() <= 0 {
		return crawler.ResultProceed, nil
	}
	now := time.Now()
	if a.clock != nil {
		now = a.clock.Now()
	}
	record := Record{
		CrawlID:      a.crawlID,
		URL:          item.URL,
		Via:          item.Via,
		PathFromSeed: item.PathFromSeed,
		Status:       int(item.Status()),
		ContentType:  item.ContentType,
		ContentSize:  item.ContentSize,
		Digest:       item.ContentDigest,
		StoredURI:    item.StoredURI,
		Outlinks:     len(item.Outlinks()),
		FetchedAt:    now.UTC(),
	}
	id, err := a.publisher.Publish(ctx, a.topic, record)
	if err != nil {
		a.logger.Warn("publish crawl record failed", zap.String("url", item.URL), zap.Error(err))
		return crawler.ResultProceed, nil
	}
	a.logger.Debug("published crawl record", zap.String("url", item.URL), zap.String("message_id", id))
	return crawler.ResultProceed, nil
}
