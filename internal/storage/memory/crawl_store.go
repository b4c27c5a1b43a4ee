package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

// CrawlStore implements the progress and crawl log repositories in memory
// for runs without a database.
type CrawlStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.CrawlRun
	hosts map[uuid.UUID]map[string]*store.HostStats
	log   []store.CrawlLogEntry
}

var (
	_ store.ProgressRepository = (*CrawlStore)(nil)
	_ store.CrawlLogRepository = (*CrawlStore)(nil)
)

// NewCrawlStore constructs an empty CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		runs:  make(map[uuid.UUID]store.CrawlRun),
		hosts: make(map[uuid.UUID]map[string]*store.HostStats),
	}
}

// UpsertCrawlStart records the run as running.
func (s *CrawlStore) UpsertCrawlStart(_ context.Context, crawlID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[crawlID]
	if !ok {
		run = store.CrawlRun{ID: crawlID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[crawlID] = run
	return nil
}

// CompleteCrawl records the final status of a run.
func (s *CrawlStore) CompleteCrawl(
	_ context.Context,
	crawlID uuid.UUID,
	finishedAt time.Time,
	status store.CrawlRunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[crawlID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	} else {
		run.ErrorMessage = nil
	}
	s.runs[crawlID] = run
	return nil
}

// UpsertHostStats applies deltas to the host aggregate.
func (s *CrawlStore) UpsertHostStats(
	_ context.Context,
	crawlID uuid.UUID,
	host string,
	deltaVisits int64,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHost, ok := s.hosts[crawlID]
	if !ok {
		byHost = make(map[string]*store.HostStats)
		s.hosts[crawlID] = byHost
	}
	stats, ok := byHost[host]
	if !ok {
		stats = &store.HostStats{CrawlID: crawlID, Host: host}
		byHost[host] = stats
	}
	switch statusClass {
	case "2xx":
		stats.Fetch2xx += deltaVisits
	case "3xx":
		stats.Fetch3xx += deltaVisits
	case "4xx":
		stats.Fetch4xx += deltaVisits
	case "5xx":
		stats.Fetch5xx += deltaVisits
	case "failed":
		stats.Failed += deltaVisits
	case "other":
	default:
		return fmt.Errorf("unknown status class: %s", statusClass)
	}
	stats.Visits += deltaVisits
	stats.BytesTotal += deltaBytes
	if at.After(stats.LastUpdate) {
		stats.LastUpdate = at
	}
	return nil
}

// GetCrawl loads a run.
func (s *CrawlStore) GetCrawl(_ context.Context, crawlID uuid.UUID) (store.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[crawlID]
	if !ok {
		return store.CrawlRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListCrawlHosts returns host aggregates, busiest first.
func (s *CrawlStore) ListCrawlHosts(_ context.Context, crawlID uuid.UUID, limit, offset int) ([]store.HostStats, error) {
	s.mu.RLock()
	out := make([]store.HostStats, 0, len(s.hosts[crawlID]))
	for _, stats := range s.hosts[crawlID] {
		out = append(out, *stats)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Visits != out[j].Visits {
			return out[i].Visits > out[j].Visits
		}
		return out[i].Host < out[j].Host
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// AppendCrawlLog appends one crawl log entry.
func (s *CrawlStore) AppendCrawlLog(_ context.Context, entry store.CrawlLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Annotations = append([]string(nil), entry.Annotations...)
	s.log = append(s.log, entry)
	return nil
}

// CrawlLog returns the entries appended so far.
func (s *CrawlStore) CrawlLog() []store.CrawlLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.CrawlLogEntry(nil), s.log...)
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
