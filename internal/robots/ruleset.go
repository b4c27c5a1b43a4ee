package robots

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// catchAll is the token the wildcard section is stored under. Every lowercase
// agent string contains it, so the wildcard always matches last.
const catchAll = ""

// Ruleset is a parsed robots document with its declared agent tokens kept in
// document order.
type Ruleset struct {
	data   *robotstxt.RobotsData
	agents []string
	groups map[string]*robotstxt.Group
}

// Parse reads a robots document.
func Parse(body []byte) (*Ruleset, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return newRuleset(data, declaredAgents(body)), nil
}

// FromResponse builds a ruleset from the outcome of fetching robots.txt. Only
// a 2xx response carries a document; every other status yields a nil ruleset,
// which NewExclusionPolicy turns into AllowAll. A host that answers 401, 403
// or 5xx for robots.txt is therefore crawled as if it had none.
func FromResponse(status int, body []byte) (*Ruleset, error) {
	if status >= 200 && status < 300 {
		return Parse(body)
	}
	return nil, nil
}

func newRuleset(data *robotstxt.RobotsData, agents []string) *Ruleset {
	rs := &Ruleset{data: data, groups: make(map[string]*robotstxt.Group, len(agents))}
	wildcard := false
	for _, a := range agents {
		if a == "*" {
			wildcard = true
			continue
		}
		rs.agents = append(rs.agents, a)
		rs.groups[a] = data.FindGroup(a)
	}
	if wildcard {
		rs.agents = append(rs.agents, catchAll)
		rs.groups[catchAll] = data.FindGroup("*")
	}
	return rs
}

// Agents returns the declared tokens, lowercased, wildcard last as "".
func (r *Ruleset) Agents() []string {
	out := make([]string, len(r.agents))
	copy(out, r.agents)
	return out
}

// Allows reports whether the section declared for token permits path.
// Undeclared tokens permit everything.
func (r *Ruleset) Allows(token, path string) bool {
	g, ok := r.groups[token]
	if !ok || g == nil {
		return true
	}
	return g.Test(path)
}

// CrawlDelay returns the delay of the section that governs userAgent, or zero
// when that section declares none. The section is chosen the way the classic
// policy chooses one: the first declared token contained in the lowercased
// agent string, with the wildcard last.
func (r *Ruleset) CrawlDelay(userAgent string) time.Duration {
	lower := strings.ToLower(userAgent)
	for _, token := range r.agents {
		if !strings.Contains(lower, token) {
			continue
		}
		if g := r.groups[token]; g != nil {
			return g.CrawlDelay
		}
		return 0
	}
	return 0
}

// Sitemaps returns the sitemap URLs the document advertises.
func (r *Ruleset) Sitemaps() []string {
	return r.data.Sitemaps
}

// declaredAgents lists the user-agent tokens that own at least one rule, in
// the order they first appear. Consecutive User-agent lines share the rules
// that follow them; a run with no rules declares nothing.
func declaredAgents(body []byte) []string {
	var (
		out     []string
		seen    = map[string]struct{}{}
		pending []string
		inRules bool
	)
	commit := func() {
		for _, a := range pending {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
		pending = pending[:0]
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Split(scanRobotsLines)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "user-agent", "useragent":
			if inRules {
				pending = pending[:0]
				inRules = false
			}
			if len(fields) > 0 {
				pending = append(pending, strings.ToLower(fields[0]))
			}
		case "allow", "disallow", "crawl-delay":
			if !inRules {
				commit()
			}
			inRules = true
		}
	}
	return out
}

// scanRobotsLines splits on any of \n, \r or \r\n.
func scanRobotsLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
