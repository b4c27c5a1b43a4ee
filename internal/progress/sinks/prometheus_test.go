package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures collectors follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlStart, Worker: -1},
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlStart, Worker: -1},
		{
			CrawlID:     crawlID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageItemDone,
			Worker:      0,
			Site:        "example.com",
			URL:         "https://example.com/",
			FetchStatus: 200,
			StatusClass: progress.Status2xx,
			Bytes:       1024,
			Visits:      1,
			Dur:         200 * time.Millisecond,
		},
		{CrawlID: crawlID, TS: now, Stage: progress.StageAlert, Worker: 0, Note: "runtime fault"},
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlPause, Worker: -1},
		{CrawlID: crawlID, TS: now, Stage: progress.StageWorkerEnded, Worker: 0},
		{CrawlID: crawlID, TS: now.Add(15 * time.Second), Stage: progress.StageCrawlDone, Worker: -1, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("example.com", "2xx")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.itemBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemDuration, "crawler_item_duration_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.alerts))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pauses))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.workersEnded))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
