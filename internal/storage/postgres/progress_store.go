// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// statusColumns maps a status class to its counter column in host_stats.
var statusColumns = map[string]string{
	"2xx":    "fetch_2xx",
	"3xx":    "fetch_3xx",
	"4xx":    "fetch_4xx",
	"5xx":    "fetch_5xx",
	"failed": "failed",
}

// ProgressStore implements store.ProgressRepository.
type ProgressStore struct {
	pool querier
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore wraps an open pool; pgxmock pools satisfy it in tests.
func NewProgressStore(pool querier) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// UpsertCrawlStart inserts a running crawl row.
func (s *ProgressStore) UpsertCrawlStart(ctx context.Context, crawlID uuid.UUID, startedAt time.Time) error {
	const query = `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
		WHERE crawl_runs.status <> EXCLUDED.status;`
	if _, err := s.pool.Exec(ctx, query, crawlID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert crawl start: %w", err)
	}
	return nil
}

// CompleteCrawl records the final status of a crawl.
func (s *ProgressStore) CompleteCrawl(
	ctx context.Context,
	crawlID uuid.UUID,
	finishedAt time.Time,
	status store.CrawlRunStatus,
	errMsg *string,
) error {
	const query = `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, crawlID)
	if err != nil {
		return fmt.Errorf("complete crawl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertHostStats adds deltas to the host row, creating it on first sight.
func (s *ProgressStore) UpsertHostStats(
	ctx context.Context,
	crawlID uuid.UUID,
	host string,
	deltaVisits,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	if statusClass == "other" {
		// No counter column; the visit and bytes still count.
		const query = `
		INSERT INTO host_stats (crawl_id, host, last_update, visits, bytes_total)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (crawl_id, host) DO UPDATE SET
			visits = host_stats.visits + EXCLUDED.visits,
			bytes_total = host_stats.bytes_total + EXCLUDED.bytes_total,
			last_update = GREATEST(host_stats.last_update, EXCLUDED.last_update);`
		if _, err := s.pool.Exec(ctx, query, crawlID, host, at, deltaVisits, deltaBytes); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
		return nil
	}
	column, ok := statusColumns[statusClass]
	if !ok {
		return fmt.Errorf("unknown status class: %s", statusClass)
	}
	query := fmt.Sprintf(`
		INSERT INTO host_stats (crawl_id, host, last_update, visits, bytes_total, %[1]s)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (crawl_id, host) DO UPDATE SET
			visits = host_stats.visits + EXCLUDED.visits,
			bytes_total = host_stats.bytes_total + EXCLUDED.bytes_total,
			%[1]s = host_stats.%[1]s + EXCLUDED.%[1]s,
			last_update = GREATEST(host_stats.last_update, EXCLUDED.last_update);`, column)
	if _, err := s.pool.Exec(ctx, query, crawlID, host, at, deltaVisits, deltaBytes); err != nil {
		return fmt.Errorf("upsert host stats: %w", err)
	}
	return nil
}

// GetCrawl loads one crawl run.
func (s *ProgressStore) GetCrawl(ctx context.Context, crawlID uuid.UUID) (store.CrawlRun, error) {
	const query = `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE id = $1;`
	var run store.CrawlRun
	err := s.pool.QueryRow(ctx, query, crawlID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CrawlRun{}, store.ErrNotFound
		}
		return store.CrawlRun{}, fmt.Errorf("get crawl: %w", err)
	}
	return run, nil
}

// ListCrawlHosts returns host aggregates ordered by visits.
func (s *ProgressStore) ListCrawlHosts(
	ctx context.Context,
	crawlID uuid.UUID,
	limit,
	offset int,
) ([]store.HostStats, error) {
	const query = `
		SELECT crawl_id, host, last_update, visits, bytes_total,
			fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, failed
		FROM host_stats
		WHERE crawl_id = $1
		ORDER BY visits DESC, host
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, crawlID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list crawl hosts: %w", err)
	}
	defer rows.Close()

	var stats []store.HostStats
	for rows.Next() {
		var st store.HostStats
		if err := rows.Scan(
			&st.CrawlID,
			&st.Host,
			&st.LastUpdate,
			&st.Visits,
			&st.BytesTotal,
			&st.Fetch2xx,
			&st.Fetch3xx,
			&st.Fetch4xx,
			&st.Fetch5xx,
			&st.Failed,
		); err != nil {
			return nil, fmt.Errorf("scan host stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate host stats: %w", err)
	}
	return stats, nil
}
