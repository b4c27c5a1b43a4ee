package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

// CrawlLogStore appends crawl log rows to a configurable table.
type CrawlLogStore struct {
	pool  querier
	table string
}

var _ store.CrawlLogRepository = (*CrawlLogStore)(nil)

// NewCrawlLogStore wraps pool. An empty table defaults to crawl_log.
func NewCrawlLogStore(pool querier, table string) (*CrawlLogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "crawl_log"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CrawlLogStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *CrawlLogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// AppendCrawlLog inserts entry.
func (s *CrawlLogStore) AppendCrawlLog(ctx context.Context, entry store.CrawlLogEntry) error {
	if entry.URL == "" {
		return errors.New("crawl log url is required")
	}
	annotations := entry.Annotations
	if annotations == nil {
		annotations = []string{}
	}
	annotationsJSON, err := json.Marshal(annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	crawl_id,
	logged_at,
	worker,
	url,
	via,
	path_from_seed,
	fetch_status,
	attempts,
	content_type,
	content_size,
	digest,
	stored_uri,
	annotations
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)
	args := []any{
		entry.CrawlID,
		entry.LoggedAt,
		entry.Worker,
		entry.URL,
		entry.Via,
		entry.PathFromSeed,
		entry.FetchStatus,
		entry.Attempts,
		entry.ContentType,
		entry.ContentSize,
		entry.Digest,
		entry.StoredURI,
		annotationsJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert crawl log: %w", err)
	}
	return nil
}
