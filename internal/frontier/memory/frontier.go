// Package memory provides an in-process FIFO frontier for single-node crawls.
package memory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("frontier closed")

// Config controls the frontier.
type Config struct {
	// MaxRetries bounds how often an item with a retryable status is queued again.
	MaxRetries int
	Logger     *zap.Logger
}

// Stats summarizes frontier activity.
type Stats struct {
	Queued     int   `json:"queued"`
	InFlight   int   `json:"in_flight"`
	Scheduled  int64 `json:"scheduled"`
	Duplicates int64 `json:"duplicates"`
	Finished   int64 `json:"finished"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Closed     bool  `json:"closed"`
}

// Frontier hands out items first in, first out. It ends once nothing is
// queued and nothing is in flight, so seeds must be scheduled before the
// workers start.
type Frontier struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	queue    []*crawler.WorkItem
	seen     map[string]struct{}
	inFlight map[*crawler.WorkItem]struct{}
	retries  map[string]int
	changed  chan struct{}
	closed   bool
	stats    Stats
}

// New constructs an empty frontier.
func New(cfg Config) *Frontier {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:      cfg,
		logger:   logger.Named("frontier"),
		seen:     make(map[string]struct{}),
		inFlight: make(map[*crawler.WorkItem]struct{}),
		retries:  make(map[string]int),
		changed:  make(chan struct{}),
	}
}

// Schedule queues item unless its URL was already scheduled.
func (f *Frontier) Schedule(ctx context.Context, item *crawler.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item == nil || item.URL == "" {
		return errors.New("schedule requires an item with a url")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, dup := f.seen[item.URL]; dup {
		f.stats.Duplicates++
		return nil
	}
	f.seen[item.URL] = struct{}{}
	f.queue = append(f.queue, item)
	f.stats.Scheduled++
	f.notifyLocked()
	return nil
}

// Next blocks until an item is queued. It returns crawler.ErrEnded once the
// frontier is closed or drained with nothing in flight.
func (f *Frontier) Next(ctx context.Context) (*crawler.WorkItem, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, crawler.ErrEnded
		}
		if len(f.queue) > 0 {
			item := f.queue[0]
			f.queue[0] = nil
			f.queue = f.queue[1:]
			f.inFlight[item] = struct{}{}
			f.mu.Unlock()
			return item, nil
		}
		if len(f.inFlight) == 0 {
			f.mu.Unlock()
			return nil, crawler.ErrEnded
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Finished takes item back. Items with a retryable status are queued again
// until MaxRetries is spent. Returning an item that is not in flight is a no-op.
func (f *Frontier) Finished(item *crawler.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inFlight[item]; !ok {
		return
	}
	delete(f.inFlight, item)
	defer f.notifyLocked()

	if item.Status().Retryable() && !f.closed {
		if n := f.retries[item.URL]; n < f.cfg.MaxRetries {
			f.retries[item.URL] = n + 1
			f.stats.Retried++
			f.logger.Debug("retrying item",
				zap.String("url", item.URL),
				zap.Stringer("status", item.Status()),
				zap.Int("retry", n+1))
			item.Annotate(item.Status().String())
			item.Reset()
			f.queue = append(f.queue, item)
			return
		}
	}
	delete(f.retries, item.URL)
	f.stats.Finished++
	if item.Status().Success() {
		f.stats.Succeeded++
	} else {
		f.stats.Failed++
	}
}

// Close ends the crawl. Waiting and future Next calls return crawler.ErrEnded;
// queued items are dropped.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if n := len(f.queue); n > 0 {
		f.logger.Info("frontier closed with queued items", zap.Int("dropped", n))
	}
	f.queue = nil
	f.notifyLocked()
}

// Stats returns a snapshot of frontier counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Queued = len(f.queue)
	s.InFlight = len(f.inFlight)
	s.Closed = f.closed
	return s
}

func (f *Frontier) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
