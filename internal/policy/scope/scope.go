// Package scope decides which URIs belong to a crawl.
package scope

import (
	"strings"
	"sync"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Config controls the scope policy.
type Config struct {
	// Blocklist holds hosts and "*.suffix" patterns that are never fetched.
	Blocklist []string `mapstructure:"blocklist"`
	// MaxLinkHops bounds the number of navigational hops from a seed. Zero
	// means unlimited.
	MaxLinkHops int `mapstructure:"max_link_hops"`
	// MaxTransHops bounds trailing non-link hops such as embeds and redirects.
	// Zero means unlimited.
	MaxTransHops int `mapstructure:"max_trans_hops"`
	// SeedHostsOnly keeps the crawl on the hosts of its seeds. Embeds stay in
	// scope regardless so pages can be captured whole.
	SeedHostsOnly bool `mapstructure:"seed_hosts_only"`
}

// Policy decides scope for work items. It is safe for concurrent use.
type Policy struct {
	cfg       Config
	blocklist *crawler.Blocklist

	mu    sync.RWMutex
	seeds map[string]struct{}
}

// New builds a Policy.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:       cfg,
		blocklist: crawler.NewBlocklist(cfg.Blocklist),
		seeds:     make(map[string]struct{}),
	}
}

// AddSeed puts the seed's host in scope.
func (p *Policy) AddSeed(item *crawler.WorkItem) {
	host := item.Host()
	if host == "" {
		return
	}
	p.mu.Lock()
	p.seeds[strings.ToLower(host)] = struct{}{}
	p.mu.Unlock()
}

// Decide returns StatusUnattempted when item is in scope, otherwise the
// disposition the item should carry.
func (p *Policy) Decide(item *crawler.WorkItem) crawler.FetchStatus {
	host := item.Host()
	if p.blocklist.IsBlocked(host) {
		return crawler.StatusBlockedByUser
	}
	if p.cfg.MaxLinkHops > 0 && item.LinkHops() > p.cfg.MaxLinkHops {
		return crawler.StatusTooManyLinkHops
	}
	if p.cfg.MaxTransHops > 0 && transHops(item.PathFromSeed) > p.cfg.MaxTransHops {
		return crawler.StatusTooManyLinkHops
	}
	if p.cfg.SeedHostsOnly && item.PathFromSeed != "" && !p.seedHost(host) && !embedded(item.PathFromSeed) {
		return crawler.StatusOutOfScope
	}
	return crawler.StatusUnattempted
}

func (p *Policy) seedHost(host string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seeds[strings.ToLower(host)]
	return ok
}

// transHops counts the trailing hops since the last navigational link.
func transHops(path string) int {
	n := 0
	for i := len(path) - 1; i >= 0; i-- {
		if crawler.Hop(path[i]) == crawler.HopLink {
			break
		}
		n++
	}
	return n
}

func embedded(path string) bool {
	if path == "" {
		return false
	}
	last := crawler.Hop(path[len(path)-1])
	return last == crawler.HopEmbed || last == crawler.HopPrerequisite
}
