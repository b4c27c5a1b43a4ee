package crawler

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultForbiddenAttempts = 3

// VisitTracker remembers URLs already admitted to the frontier.
type VisitTracker struct {
	seen sync.Map
}

// NewVisitTracker returns an empty tracker.
func NewVisitTracker() *VisitTracker {
	return &VisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *VisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

// Forget drops a URL so it can be admitted again.
func (t *VisitTracker) Forget(url string) {
	t.seen.Delete(url)
}

// ForbiddenTracker blocks a host after repeated 401/403 responses.
type ForbiddenTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

// NewForbiddenTracker blocks hosts after threshold forbidden responses.
func NewForbiddenTracker(threshold int) *ForbiddenTracker {
	if threshold <= 0 {
		threshold = defaultForbiddenAttempts
	}
	return &ForbiddenTracker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

// IsBlocked reports whether host crossed the threshold.
func (b *ForbiddenTracker) IsBlocked(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *ForbiddenTracker) MarkForbidden(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}

// SleepContext waits for delay or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
