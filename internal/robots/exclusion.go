package robots

import (
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// UnknownDelay is reported by CrawlDelay when no ruleset is loaded.
const UnknownDelay time.Duration = -1

type policyKind int

const (
	kindRules policyKind = iota
	kindAllowAll
	kindDenyAll
)

var (
	allowAll = &ExclusionPolicy{kind: kindAllowAll}
	denyAll  = &ExclusionPolicy{kind: kindDenyAll}
)

// AllowAll returns the shared policy that never disallows.
func AllowAll() *ExclusionPolicy { return allowAll }

// DenyAll returns the shared policy that always disallows.
func DenyAll() *ExclusionPolicy { return denyAll }

// Option tunes an ExclusionPolicy.
type Option func(*ExclusionPolicy)

// WithAgentCacheSize bounds how many runtime user agents keep their resolved
// section list. Values below one are treated as one.
func WithAgentCacheSize(n int) Option {
	return func(p *ExclusionPolicy) {
		if n < 1 {
			n = 1
		}
		p.cacheSize = n
	}
}

// ExclusionPolicy applies a ruleset under an honoring policy. It is safe for
// concurrent use.
type ExclusionPolicy struct {
	kind     policyKind
	rules    *Ruleset
	honoring HonoringPolicy

	cacheSize int
	mu        sync.Mutex
	resolved  map[string][]string
	order     []string
}

// NewExclusionPolicy binds rules to honoring. A nil ruleset or the ignore
// policy yields AllowAll.
func NewExclusionPolicy(rules *Ruleset, honoring HonoringPolicy, opts ...Option) *ExclusionPolicy {
	if rules == nil || honoring.Type == PolicyIgnore {
		return allowAll
	}
	p := &ExclusionPolicy{
		kind:      kindRules,
		rules:     rules,
		honoring:  honoring,
		cacheSize: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resolved = make(map[string][]string, p.cacheSize)
	return p
}

// Disallows reports whether item may not be fetched as userAgent. With
// masquerading enabled under a most-favored policy, the item's user agent is
// rewritten to the token of the last section consulted.
func (p *ExclusionPolicy) Disallows(item *crawler.WorkItem, userAgent string) bool {
	switch p.kind {
	case kindAllowAll:
		return false
	case kindDenyAll:
		return true
	}
	path := crawler.PathAndQuery(item.URL)
	disallow := false
	var chosen string
	for _, token := range p.applicable(userAgent) {
		chosen = token
		if p.rules.Allows(token, path) {
			disallow = false
			break
		}
		disallow = true
	}
	if p.honoring.ShouldMasquerade() && chosen != "" {
		item.UserAgent = chosen
	}
	return disallow
}

// CrawlDelay returns the delay of the section that governs userAgent, matched
// by first contained token as in the classic policy.
func (p *ExclusionPolicy) CrawlDelay(userAgent string) time.Duration {
	if p.rules == nil {
		return UnknownDelay
	}
	return p.rules.CrawlDelay(userAgent)
}

// UserAgents returns the declared agent tokens, or nil for the sentinels.
func (p *ExclusionPolicy) UserAgents() []string {
	if p.rules == nil {
		return nil
	}
	return p.rules.Agents()
}

// Sitemaps returns the sitemap URLs declared by the underlying document.
func (p *ExclusionPolicy) Sitemaps() []string {
	if p.rules == nil {
		return nil
	}
	return p.rules.Sitemaps()
}

func (p *ExclusionPolicy) applicable(userAgent string) []string {
	switch p.honoring.Type {
	case PolicyMostFavored:
		return p.rules.agents
	case PolicyMostFavoredSet:
		return p.cached(strings.Join(p.honoring.UserAgents, "\x00"), p.favoredSet)
	default:
		return p.cached(userAgent, p.firstMatch)
	}
}

// cached memoizes resolve per key. Eviction is first-in first-out.
func (p *ExclusionPolicy) cached(key string, resolve func(string) []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agents, ok := p.resolved[key]; ok {
		return agents
	}
	agents := resolve(key)
	if len(p.order) >= p.cacheSize {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.resolved, oldest)
	}
	p.resolved[key] = agents
	p.order = append(p.order, key)
	return agents
}

// firstMatch picks the first declared token contained in userAgent.
func (p *ExclusionPolicy) firstMatch(userAgent string) []string {
	lower := strings.ToLower(userAgent)
	for _, token := range p.rules.agents {
		if strings.Contains(lower, token) {
			return []string{token}
		}
	}
	return nil
}

// favoredSet picks, for each configured agent in order, the first declared
// token it contains.
func (p *ExclusionPolicy) favoredSet(string) []string {
	var out []string
	for _, configured := range p.honoring.UserAgents {
		lower := strings.ToLower(configured)
		for _, token := range p.rules.agents {
			if strings.Contains(lower, token) {
				out = append(out, token)
				break
			}
		}
	}
	return out
}
