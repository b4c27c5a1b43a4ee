package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// TestStoreSinkPersistsEvents ensures item deltas are collapsed per host.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	crawlUUID := uuid.New()
	crawlID := progress.UUIDToBytes(crawlUUID)
	now := time.Now()

	item := func(bytes int64, class progress.StatusClass, offset time.Duration) progress.Event {
		return progress.Event{
			CrawlID:     crawlID,
			Stage:       progress.StageItemDone,
			Site:        "example.com",
			Bytes:       bytes,
			Visits:      1,
			StatusClass: class,
			TS:          now.Add(offset),
		}
	}
	batch := []progress.Event{
		{CrawlID: crawlID, Stage: progress.StageCrawlStart, TS: now},
		item(100, progress.Status2xx, time.Second),
		item(50, progress.Status2xx, 2*time.Second),
		item(0, progress.StatusFailed, 3*time.Second),
		{CrawlID: crawlID, Stage: progress.StageCrawlError, TS: now.Add(4 * time.Second), Note: "paused for memory"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{crawlUUID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunError, repo.completes[0].status)
	require.Equal(t, "paused for memory", repo.completes[0].note)
	require.Len(t, repo.hostStats, 2)
	require.Equal(t, hostCall{host: "example.com", deltaVisits: 2, deltaBytes: 150, statusClass: "2xx"}, repo.hostStats[0])
	require.Equal(t, hostCall{host: "example.com", deltaVisits: 1, statusClass: "failed"}, repo.hostStats[1])
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{CrawlID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageCrawlStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeProgressRepo struct {
	fail      bool
	starts    []uuid.UUID
	completes []completeCall
	hostStats []hostCall
}

type completeCall struct {
	status store.CrawlRunStatus
	note   string
}

type hostCall struct {
	host        string
	deltaVisits int64
	deltaBytes  int64
	statusClass string
}

var errFake = errors.New("repository unavailable")

func (f *fakeProgressRepo) UpsertCrawlStart(_ context.Context, crawlID uuid.UUID, _ time.Time) error {
	if f.fail {
		return errFake
	}
	f.starts = append(f.starts, crawlID)
	return nil
}

func (f *fakeProgressRepo) CompleteCrawl(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.CrawlRunStatus,
	errMsg *string,
) error {
	if f.fail {
		return errFake
	}
	call := completeCall{status: status}
	if errMsg != nil {
		call.note = *errMsg
	}
	f.completes = append(f.completes, call)
	return nil
}

func (f *fakeProgressRepo) UpsertHostStats(
	_ context.Context,
	_ uuid.UUID,
	host string,
	deltaVisits int64,
	deltaBytes int64,
	statusClass string,
	_ time.Time,
) error {
	if f.fail {
		return errFake
	}
	f.hostStats = append(f.hostStats, hostCall{
		host:        host,
		deltaVisits: deltaVisits,
		deltaBytes:  deltaBytes,
		statusClass: statusClass,
	})
	return nil
}

func (f *fakeProgressRepo) GetCrawl(context.Context, uuid.UUID) (store.CrawlRun, error) {
	return store.CrawlRun{}, store.ErrNotFound
}

func (f *fakeProgressRepo) ListCrawlHosts(context.Context, uuid.UUID, int, int) ([]store.HostStats, error) {
	return nil, errFake
}
