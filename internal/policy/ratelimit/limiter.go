// Package ratelimit implements per-host token buckets for crawl politeness.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

// Limiter manages per-host rate limits. A host's robots.txt crawl delay
// slows its bucket further but never speeds it up past the default.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	delays       map[string]time.Duration
	defaultRate  rate.Limit
	defaultBurst int
	maxDelay     time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MaxCrawlDelay caps delays requested by robots.txt. Zero means no cap.
	MaxCrawlDelay time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		delays:       make(map[string]time.Duration),
		defaultRate:  r,
		defaultBurst: burst,
		maxDelay:     cfg.MaxCrawlDelay,
	}
}

// SetCrawlDelay applies a per-host delay between requests. Delays at or
// below the default interval are ignored.
func (l *Limiter) SetCrawlDelay(rawURL string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	if l.maxDelay > 0 && delay > l.maxDelay {
		delay = l.maxDelay
	}
	limit := rate.Every(delay)
	if limit >= l.defaultRate {
		return
	}
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delays[host] == delay {
		return
	}
	l.delays[host] = delay
	if limiter, ok := l.limiters[host]; ok {
		limiter.SetLimit(limit)
		limiter.SetBurst(1)
		return
	}
	l.limiters[host] = rate.NewLimiter(limit, 1)
}

// CrawlDelay returns the delay applied to rawURL's host, zero if none.
func (l *Limiter) CrawlDelay(rawURL string) time.Duration {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delays[host]
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate tokens are not worth a histogram sample.
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, duration)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
