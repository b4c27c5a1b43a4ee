package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

func TestCrawlLogStoreInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	logStore, err := NewCrawlLogStore(mock, "crawl_log")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := store.CrawlLogEntry{
		CrawlID:      uuid.New(),
		LoggedAt:     now,
		Worker:       3,
		URL:          "https://example.com/a",
		Via:          "https://example.com/",
		PathFromSeed: "L",
		FetchStatus:  200,
		Attempts:     1,
		ContentType:  "text/html",
		ContentSize:  512,
		Digest:       "sha1:ABC",
		StoredURI:    "file:///tmp/x",
		Annotations:  []string{"robots-ok"},
	}

	mock.ExpectExec("INSERT INTO crawl_log").
		WithArgs(
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
			[]byte(`["robots-ok"]`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, logStore.AppendCrawlLog(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlLogStoreValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewCrawlLogStore(mock, "bad table; drop")
	require.Error(t, err)
	_, err = NewCrawlLogStore(nil, "")
	require.Error(t, err)

	logStore, err := NewCrawlLogStore(mock, "")
	require.NoError(t, err)
	require.Error(t, logStore.AppendCrawlLog(context.Background(), store.CrawlLogEntry{}))
}

func TestProgressStoreCrawlLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ps, err := NewProgressStore(mock)
	require.NoError(t, err)
	ctx := context.Background()
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(id, started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(finished, store.RunSuccess, (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM crawl_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "finished_at", "status", "error_message"}).
			AddRow(id, started, &finished, store.RunSuccess, nil))

	require.NoError(t, ps.UpsertCrawlStart(ctx, id, started))
	require.NoError(t, ps.CompleteCrawl(ctx, id, finished, store.RunSuccess, nil))
	run, err := ps.GetCrawl(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.True(t, finished.Equal(*run.FinishedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ps, err := NewProgressStore(mock)
	require.NoError(t, err)
	id := uuid.New()

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(pgxmock.AnyArg(), store.RunError, pgxmock.AnyArg(), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("FROM crawl_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started_at", "finished_at", "status", "error_message"}))

	msg := "boom"
	err = ps.CompleteCrawl(context.Background(), id, time.Now(), store.RunError, &msg)
	require.True(t, errors.Is(err, store.ErrNotFound))
	_, err = ps.GetCrawl(context.Background(), id)
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreHostStats(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ps, err := NewProgressStore(mock)
	require.NoError(t, err)
	ctx := context.Background()
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec(`INSERT INTO host_stats \(crawl_id, host, last_update, visits, bytes_total, failed\)`).
		WithArgs(id, "example.com", at, int64(2), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO host_stats \(crawl_id, host, last_update, visits, bytes_total\)`).
		WithArgs(id, "example.com", at, int64(1), int64(10)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM host_stats").
		WithArgs(id, 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"crawl_id", "host", "last_update", "visits", "bytes_total",
			"fetch_2xx", "fetch_3xx", "fetch_4xx", "fetch_5xx", "failed",
		}).AddRow(id, "example.com", at, int64(2), int64(0), int64(0), int64(0), int64(0), int64(0), int64(2)))

	require.NoError(t, ps.UpsertHostStats(ctx, id, "example.com", 2, 0, "failed", at))
	require.NoError(t, ps.UpsertHostStats(ctx, id, "example.com", 1, 10, "other", at))
	require.Error(t, ps.UpsertHostStats(ctx, id, "example.com", 1, 0, "1xx", at))

	hosts, err := ps.ListCrawlHosts(ctx, id, 10, 0)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.Equal(t, int64(2), hosts[0].Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}
