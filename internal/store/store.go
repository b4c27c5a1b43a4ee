package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CrawlRunStatus mirrors the crawl_runs status column.
type CrawlRunStatus string

// Crawl run statuses persisted in crawl_runs.status.
const (
	RunRunning CrawlRunStatus = "running"
	RunSuccess CrawlRunStatus = "success"
	RunError   CrawlRunStatus = "error"
)

// CrawlRun models one row of crawl_runs.
type CrawlRun struct {
	ID           uuid.UUID
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       CrawlRunStatus
	ErrorMessage *string
}

// HostStats aggregates item outcomes per host within a crawl.
type HostStats struct {
	CrawlID    uuid.UUID
	Host       string
	LastUpdate time.Time
	Visits     int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
	Failed     int64
}

// ProgressRepository persists incremental crawl progress.
type ProgressRepository interface {
	// UpsertCrawlStart records a run as running; repeated calls are harmless.
	UpsertCrawlStart(ctx context.Context, crawlID uuid.UUID, startedAt time.Time) error
	// CompleteCrawl marks the run finished.
	CompleteCrawl(ctx context.Context, crawlID uuid.UUID, finishedAt time.Time, status CrawlRunStatus, errMsg *string) error
	// UpsertHostStats applies deltas per (crawl, host, status class).
	UpsertHostStats(
		ctx context.Context,
		crawlID uuid.UUID,
		host string,
		deltaVisits int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetCrawl loads a single run or returns ErrNotFound.
	GetCrawl(ctx context.Context, crawlID uuid.UUID) (CrawlRun, error)
	// ListCrawlHosts returns host aggregates for one run, busiest first.
	ListCrawlHosts(ctx context.Context, crawlID uuid.UUID, limit, offset int) ([]HostStats, error)
}

// CrawlLogEntry is one line of the crawl log, written when an item is handed
// back to the frontier.
type CrawlLogEntry struct {
	CrawlID      uuid.UUID
	LoggedAt     time.Time
	Worker       int
	URL          string
	Via          string
	PathFromSeed string
	FetchStatus  int
	Attempts     int
	ContentType  string
	ContentSize  int64
	Digest       string
	StoredURI    string
	Annotations  []string
}

// CrawlLogRepository appends crawl log entries.
type CrawlLogRepository interface {
	AppendCrawlLog(ctx context.Context, entry CrawlLogEntry) error
}
