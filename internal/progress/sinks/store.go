package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// StoreSink persists crawl lifecycle and per-host deltas via a
// store.ProgressRepository, collapsing each batch per host first.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies batch to the repository, returning the first failure.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[hostKey]*hostDelta)
	var order []hostKey

	for _, evt := range batch {
		crawlID := evt.CrawlUUID()
		switch evt.Stage {
		case progress.StageCrawlStart:
			if err := s.repo.UpsertCrawlStart(ctx, crawlID, evt.TS); err != nil {
				return fmt.Errorf("upsert crawl start: %w", err)
			}
		case progress.StageCrawlDone, progress.StageCrawlError:
			if err := s.complete(ctx, crawlID, evt); err != nil {
				return err
			}
		case progress.StageItemDone:
			if evt.Site == "" {
				continue
			}
			key := hostKey{crawlID: crawlID, host: evt.Site, statusClass: string(evt.StatusClass)}
			d, ok := deltas[key]
			if !ok {
				d = &hostDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			d.visits += evt.Visits
			d.bytes += evt.Bytes
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	for _, key := range order {
		d := deltas[key]
		if d.visits == 0 && d.bytes == 0 {
			continue
		}
		if err := s.repo.UpsertHostStats(ctx, key.crawlID, key.host, d.visits, d.bytes, key.statusClass, d.at); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, crawlID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageCrawlError {
		status = store.RunError
		if evt.Note != "" {
			note = &evt.Note
		}
	}
	if err := s.repo.CompleteCrawl(ctx, crawlID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete crawl: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type hostKey struct {
	crawlID     uuid.UUID
	host        string
	statusClass string
}

type hostDelta struct {
	visits int64
	bytes  int64
	at     time.Time
}
