package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

const (
	defaultTTL      = 24 * time.Hour
	defaultMaxBytes = 1 << 20
)

// EnforcerConfig controls robots fetching and caching.
type EnforcerConfig struct {
	Honoring       HonoringPolicy
	UserAgent      string
	TTL            time.Duration
	MaxBytes       int64
	AgentCacheSize int
	// Retry governs refetching robots.txt after transient network errors.
	Retry crawler.BackoffConfig
}

type cacheEntry struct {
	policy  *ExclusionPolicy
	expires time.Time
}

// Enforcer fetches robots.txt per host and caches the resulting policy.
type Enforcer struct {
	client *http.Client
	cfg    EnforcerConfig
	logger *zap.Logger
	now    func() time.Time
	retry  *crawler.Backoff

	custom *ExclusionPolicy
	group  singleflight.Group
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

// NewEnforcer builds an Enforcer. A nil client gets a 10 second timeout.
func NewEnforcer(cfg EnforcerConfig, client *http.Client, logger *zap.Logger) (*Enforcer, error) {
	if err := cfg.Honoring.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	e := &Enforcer{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		retry:  crawler.NewBackoff(cfg.Retry),
		cache:  make(map[string]cacheEntry),
	}
	if cfg.Honoring.Type == PolicyCustom {
		rules, err := Parse([]byte(cfg.Honoring.CustomRobots))
		if err != nil {
			return nil, fmt.Errorf("custom robots: %w", err)
		}
		e.custom = NewExclusionPolicy(rules, cfg.Honoring, e.options()...)
	}
	return e, nil
}

func (e *Enforcer) options() []Option {
	if e.cfg.AgentCacheSize > 0 {
		return []Option{WithAgentCacheSize(e.cfg.AgentCacheSize)}
	}
	return nil
}

// Honoring returns the configured honoring policy.
func (e *Enforcer) Honoring() HonoringPolicy {
	return e.cfg.Honoring
}

// Policy returns the exclusion policy governing rawURL's host. Fetch failures
// are logged and allow access without being cached.
func (e *Enforcer) Policy(ctx context.Context, rawURL string) (*ExclusionPolicy, error) {
	switch e.cfg.Honoring.Type {
	case PolicyIgnore:
		return AllowAll(), nil
	case PolicyCustom:
		return e.custom, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)

	e.mu.RLock()
	entry, ok := e.cache[hostKey]
	e.mu.RUnlock()
	if ok && e.now().Before(entry.expires) {
		return entry.policy, nil
	}

	v, err, _ := e.group.Do(hostKey, func() (any, error) {
		return e.load(ctx, rawURL)
	})
	if err != nil {
		metrics.ObserveRobotsFetch("error")
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return AllowAll(), nil
	}
	metrics.ObserveRobotsFetch("ok")
	policy, _ := v.(*ExclusionPolicy)
	e.mu.Lock()
	e.cache[hostKey] = cacheEntry{policy: policy, expires: e.now().Add(e.cfg.TTL)}
	e.mu.Unlock()
	return policy, nil
}

// Disallows resolves the host policy and applies it to item.
func (e *Enforcer) Disallows(ctx context.Context, item *crawler.WorkItem) (bool, *ExclusionPolicy, error) {
	policy, err := e.Policy(ctx, item.URL)
	if err != nil {
		return false, nil, err
	}
	ua := item.UserAgent
	if ua == "" {
		ua = e.cfg.UserAgent
	}
	return policy.Disallows(item, ua), policy, nil
}

// Forget drops the cached policy for rawURL's host.
func (e *Enforcer) Forget(rawURL string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.cache, strings.ToLower(parsed.Scheme+"://"+parsed.Host))
	e.mu.Unlock()
}

func (e *Enforcer) load(ctx context.Context, rawURL string) (*ExclusionPolicy, error) {
	robotsURL, err := crawler.RobotsURL(rawURL)
	if err != nil {
		return nil, err
	}
	var (
		status int
		body   []byte
	)
	attempt := 0
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			e.logger.Debug("retrying robots fetch", zap.String("url", robotsURL), zap.Int("attempt", attempt))
		}
		var ferr error
		status, body, ferr = e.fetch(ctx, robotsURL)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	rules, err := FromResponse(status, body)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		e.logger.Debug("robots unavailable; allowing all",
			zap.String("url", robotsURL),
			zap.Int("status", status))
		return AllowAll(), nil
	}
	e.logger.Debug("robots loaded",
		zap.String("url", robotsURL),
		zap.Int("status", status),
		zap.Int("attempts", attempt),
		zap.Strings("agents", rules.Agents()))
	return NewExclusionPolicy(rules, e.cfg.Honoring, e.options()...), nil
}

func (e *Enforcer) fetch(ctx context.Context, robotsURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}
