package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func item(t *testing.T, raw string) *crawler.WorkItem {
	t.Helper()
	it, err := crawler.NewWorkItem(raw)
	require.NoError(t, err)
	return it
}

func TestScheduleDedupesAndKeepsOrder(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	ctx := context.Background()
	a, b := item(t, "https://example.com/a"), item(t, "https://example.com/b")
	require.NoError(t, f.Schedule(ctx, a))
	require.NoError(t, f.Schedule(ctx, b))
	require.NoError(t, f.Schedule(ctx, item(t, "https://example.com/a")))

	got, err := f.Next(ctx)
	require.NoError(t, err)
	require.Same(t, a, got)
	got, err = f.Next(ctx)
	require.NoError(t, err)
	require.Same(t, b, got)

	stats := f.Stats()
	require.EqualValues(t, 2, stats.Scheduled)
	require.EqualValues(t, 1, stats.Duplicates)
	require.Equal(t, 2, stats.InFlight)
	require.Error(t, f.Schedule(ctx, &crawler.WorkItem{}))
}

func TestNextWaitsForInFlightThenEnds(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	ctx := context.Background()
	seed := item(t, "https://example.com/")
	require.NoError(t, f.Schedule(ctx, seed))
	got, err := f.Next(ctx)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		next, err := f.Next(ctx)
		if err == nil {
			f.Finished(next)
		}
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("Next returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	child, err := crawler.Child(got, crawler.Link{URL: "https://example.com/child", Hop: crawler.HopLink})
	require.NoError(t, err)
	require.NoError(t, f.Schedule(ctx, child))
	got.SetStatus(200)
	f.Finished(got)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the child")
	}
	_, err = f.Next(ctx)
	require.ErrorIs(t, err, crawler.ErrEnded)

	stats := f.Stats()
	require.EqualValues(t, 2, stats.Finished)
	require.EqualValues(t, 1, stats.Succeeded)
	require.EqualValues(t, 1, stats.Failed)
}

func TestRetryableStatusRequeuesUntilLimit(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxRetries: 1})
	ctx := context.Background()
	require.NoError(t, f.Schedule(ctx, item(t, "https://example.com/flaky")))

	got, err := f.Next(ctx)
	require.NoError(t, err)
	got.SetStatus(crawler.StatusTimeout)
	got.ContentSize = 10
	f.Finished(got)

	again, err := f.Next(ctx)
	require.NoError(t, err)
	require.Same(t, got, again)
	require.Equal(t, crawler.StatusUnattempted, again.Status())
	require.Zero(t, again.ContentSize)
	require.Equal(t, []string{"timeout"}, again.Annotations())

	again.SetStatus(crawler.StatusTimeout)
	f.Finished(again)
	_, err = f.Next(ctx)
	require.ErrorIs(t, err, crawler.ErrEnded)

	stats := f.Stats()
	require.EqualValues(t, 1, stats.Retried)
	require.EqualValues(t, 1, stats.Failed)
}

func TestFinishedIsIdempotent(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxRetries: 3})
	ctx := context.Background()
	require.NoError(t, f.Schedule(ctx, item(t, "https://example.com/")))
	got, err := f.Next(ctx)
	require.NoError(t, err)
	got.SetStatus(crawler.StatusProcessingThreadKilled)
	f.Finished(got)
	f.Finished(got)

	stats := f.Stats()
	require.EqualValues(t, 1, stats.Finished)
	require.Zero(t, stats.Retried)
	require.Zero(t, stats.Queued)
}

func TestCloseEndsWaitersAndRejectsSchedule(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	ctx := context.Background()
	require.NoError(t, f.Schedule(ctx, item(t, "https://example.com/a")))
	require.NoError(t, f.Schedule(ctx, item(t, "https://example.com/b")))
	_, err := f.Next(ctx)
	require.NoError(t, err)
	_, err = f.Next(ctx)
	require.NoError(t, err)

	waiter := make(chan error, 1)
	go func() {
		_, err := f.Next(ctx)
		waiter <- err
	}()
	f.Close()
	f.Close()

	select {
	case err := <-waiter:
		require.ErrorIs(t, err, crawler.ErrEnded)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	require.ErrorIs(t, f.Schedule(ctx, item(t, "https://example.com/c")), ErrClosed)
	require.True(t, f.Stats().Closed)
}

func TestNextHonorsContext(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	require.NoError(t, f.Schedule(context.Background(), item(t, "https://example.com/")))
	_, err := f.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	require.ErrorIs(t, f.Schedule(cancelled, item(t, "https://example.com/x")), context.Canceled)
}
