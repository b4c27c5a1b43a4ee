package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const privateRobots = `User-agent: bot
Disallow: /private/*

User-agent: *
Allow: /
`

func mustParse(t *testing.T, body string) *Ruleset {
	t.Helper()
	rs, err := Parse([]byte(body))
	require.NoError(t, err)
	return rs
}

func item(t *testing.T, rawURL string) *crawler.WorkItem {
	t.Helper()
	it, err := crawler.NewWorkItem(rawURL)
	require.NoError(t, err)
	return it
}

func TestDeclaredAgents(t *testing.T) {
	t.Parallel()

	body := "User-agent: A\r\nUser-agent: B # two agents\r\nDisallow: /x\r\n" +
		"User-agent: C\nUser-agent: *\nAllow: /\n" +
		"User-agent: a\nDisallow: /dup\n" +
		"User-agent: lonely\n"
	rs := mustParse(t, body)
	require.Equal(t, []string{"a", "b", "c", ""}, rs.Agents())
}

func TestConfiguredAgentVersusMostFavored(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, privateRobots)

	classic := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyClassic})
	require.True(t, classic.Disallows(item(t, "https://example.org/private/x"), "bot"))
	require.False(t, classic.Disallows(item(t, "https://example.org/public"), "bot"))

	favored := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyMostFavored})
	require.False(t, favored.Disallows(item(t, "https://example.org/private/x"), "bot"))
}

func TestClassicMatchesSubstringCaseInsensitively(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, privateRobots)
	p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyClassic})

	require.True(t, p.Disallows(item(t, "https://example.org/private/x"), "Mozilla/5.0 (compatible; Bot/2.1)"))
	require.False(t, p.Disallows(item(t, "https://example.org/private/x"), "crawler/1.0"),
		"unmatched agents fall through to the wildcard section")
}

func TestAgentCacheNeverServesAnotherAgent(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, privateRobots)

	for _, size := range []int{1, 2} {
		p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyClassic}, WithAgentCacheSize(size))
		target := item(t, "https://example.org/private/x")
		require.True(t, p.Disallows(target, "bot"))
		require.False(t, p.Disallows(target, "crawler"))
		require.True(t, p.Disallows(target, "bot"))
		require.False(t, p.Disallows(target, "crawler"))
		require.LessOrEqual(t, len(p.resolved), size)
	}
}

func TestMostFavoredSetPreservesOrder(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, `User-agent: alpha
Disallow: /a

User-agent: beta
Disallow: /b

User-agent: *
Disallow: /
`)

	p := NewExclusionPolicy(rs, HonoringPolicy{
		Type:       PolicyMostFavoredSet,
		UserAgents: []string{"Beta/1.0", "gamma"},
		Masquerade: true,
	})
	it := item(t, "https://example.org/a")
	require.False(t, p.Disallows(it, "gamma"))
	require.Equal(t, "beta", it.UserAgent)

	require.True(t, p.Disallows(item(t, "https://example.org/b"), "gamma"))

	narrow := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyMostFavoredSet, UserAgents: []string{"gamma"}})
	require.True(t, narrow.Disallows(item(t, "https://example.org/a"), "gamma"))
}

func TestMasquerade(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, `User-agent: mybot
Disallow: /

User-agent: googlebot
Disallow: /tmp
`)

	t.Run("most favored rewrites to the granting section", func(t *testing.T) {
		t.Parallel()
		p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyMostFavored, Masquerade: true})
		it := item(t, "https://example.org/page")
		it.UserAgent = "mybot/1.0"
		require.False(t, p.Disallows(it, "mybot/1.0"))
		require.Equal(t, "googlebot", it.UserAgent)
	})

	t.Run("classic never rewrites", func(t *testing.T) {
		t.Parallel()
		p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyClassic, Masquerade: true})
		it := item(t, "https://example.org/page")
		it.UserAgent = "mybot/1.0"
		require.True(t, p.Disallows(it, "mybot/1.0"))
		require.Equal(t, "mybot/1.0", it.UserAgent)
	})

	t.Run("allow all never rewrites", func(t *testing.T) {
		t.Parallel()
		it := item(t, "https://example.org/page")
		require.False(t, AllowAll().Disallows(it, "mybot"))
		require.Empty(t, it.UserAgent)
	})
}

func TestSentinels(t *testing.T) {
	t.Parallel()

	require.Same(t, AllowAll(), AllowAll())
	require.Same(t, DenyAll(), DenyAll())
	require.NotSame(t, AllowAll(), DenyAll())
	require.Same(t, AllowAll(), NewExclusionPolicy(nil, HonoringPolicy{Type: PolicyClassic}))
	require.Same(t, AllowAll(), NewExclusionPolicy(mustParse(t, privateRobots), HonoringPolicy{Type: PolicyIgnore}))

	require.True(t, DenyAll().Disallows(item(t, "https://example.org/"), "bot"))
	require.Equal(t, UnknownDelay, AllowAll().CrawlDelay("bot"))
	require.Equal(t, UnknownDelay, DenyAll().CrawlDelay("bot"))
	require.Nil(t, AllowAll().UserAgents())
}

func TestCrawlDelay(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, `User-agent: slow
Crawl-delay: 5
Disallow: /nothing

User-agent: *
Crawl-delay: 0.5
Disallow: /nothing
`)
	p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyMostFavored})
	require.Equal(t, 5*time.Second, p.CrawlDelay("slow"))
	require.Equal(t, 500*time.Millisecond, p.CrawlDelay("fast"))
}

func TestCrawlDelayFollowsClassicSectionChoice(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, `User-agent: slow
Crawl-delay: 5
Disallow: /slow-only

User-agent: slowbot
Crawl-delay: 2
Disallow: /slowbot-only

User-agent: *
Crawl-delay: 1
Disallow: /nothing
`)
	p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyClassic})

	// The earlier, shorter token wins, for the delay and the rules alike.
	require.Equal(t, 5*time.Second, p.CrawlDelay("SlowBot/1.0"))
	require.True(t, p.Disallows(item(t, "https://example.org/slow-only"), "SlowBot/1.0"))
	require.False(t, p.Disallows(item(t, "https://example.org/slowbot-only"), "SlowBot/1.0"))

	require.Equal(t, 5*time.Second, p.CrawlDelay("my-slowbot"))
	require.Equal(t, time.Second, p.CrawlDelay("fastbot"))

	noWildcard := NewExclusionPolicy(mustParse(t, "User-agent: slow\nCrawl-delay: 5\nDisallow: /x\n"),
		HonoringPolicy{Type: PolicyClassic})
	require.Zero(t, noWildcard.CrawlDelay("fastbot"))
}

func TestSitemaps(t *testing.T) {
	t.Parallel()
	rs := mustParse(t, "User-agent: *\nDisallow: /x\n\nSitemap: https://example.org/a.xml\nSitemap: https://example.org/b.xml\n")
	p := NewExclusionPolicy(rs, HonoringPolicy{Type: PolicyClassic})
	require.Equal(t, []string{"https://example.org/a.xml", "https://example.org/b.xml"}, p.Sitemaps())
	require.Nil(t, AllowAll().Sitemaps())
}

func TestFromResponse(t *testing.T) {
	t.Parallel()
	honoring := HonoringPolicy{Type: PolicyClassic}
	target := "https://example.org/page"

	for _, status := range []int{
		http.StatusContinue,
		http.StatusMovedPermanently,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusGone,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
	} {
		rs, err := FromResponse(status, []byte("User-agent: *\nDisallow: /\n"))
		require.NoError(t, err, "status %d", status)
		require.Nil(t, rs, "status %d", status)
		p := NewExclusionPolicy(rs, honoring)
		require.Same(t, AllowAll(), p, "status %d", status)
		require.NotSame(t, DenyAll(), p, "status %d", status)
		require.False(t, p.Disallows(item(t, target), "bot"), "status %d", status)
	}

	rs, err := FromResponse(http.StatusOK, []byte("User-agent: *\nDisallow: /page\n"))
	require.NoError(t, err)
	require.True(t, NewExclusionPolicy(rs, honoring).Disallows(item(t, target), "bot"))
}

func TestEnforcerNon2xxYieldsAllowAll(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /")
		}))
		e, err := NewEnforcer(EnforcerConfig{
			Honoring:  HonoringPolicy{Type: PolicyClassic},
			UserAgent: "test-agent",
		}, srv.Client(), zap.NewNop())
		require.NoError(t, err)

		blocked, policy, err := e.Disallows(context.Background(), item(t, srv.URL+"/page"))
		srv.Close()
		require.NoError(t, err)
		require.False(t, blocked, "status %d", status)
		require.Same(t, AllowAll(), policy, "status %d", status)
	}
}

func TestHonoringPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, HonoringPolicy{Type: PolicyClassic}.Validate())
	require.Error(t, HonoringPolicy{Type: "sometimes"}.Validate())
	require.Error(t, HonoringPolicy{Type: PolicyCustom}.Validate())
	require.Error(t, HonoringPolicy{Type: PolicyMostFavoredSet}.Validate())

	pt, err := ParsePolicyType(" Most-Favored ")
	require.NoError(t, err)
	require.Equal(t, PolicyMostFavored, pt)
	require.True(t, HonoringPolicy{Type: PolicyMostFavored, Masquerade: true}.ShouldMasquerade())
	require.False(t, HonoringPolicy{Type: PolicyClassic, Masquerade: true}.ShouldMasquerade())
}

func TestEnforcer(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, err := NewEnforcer(EnforcerConfig{
		Honoring:  HonoringPolicy{Type: PolicyClassic},
		UserAgent: "test-agent",
		TTL:       time.Hour,
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	now := time.Now()
	e.now = func() time.Time { return now }

	ctx := context.Background()
	blocked, _, err := e.Disallows(ctx, item(t, srv.URL+"/allowed"))
	require.NoError(t, err)
	require.False(t, blocked)
	blocked, policy, err := e.Disallows(ctx, item(t, srv.URL+"/blocked"))
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, []string{""}, policy.UserAgents())
	require.EqualValues(t, 1, fetches.Load())

	now = now.Add(2 * time.Hour)
	_, _, err = e.Disallows(ctx, item(t, srv.URL+"/allowed"))
	require.NoError(t, err)
	require.EqualValues(t, 2, fetches.Load(), "expired entries are refetched")

	e.Forget(srv.URL + "/anything")
	_, err = e.Policy(ctx, srv.URL+"/x")
	require.NoError(t, err)
	require.EqualValues(t, 3, fetches.Load())
}

func TestEnforcerFetchFailureAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	e, err := NewEnforcer(EnforcerConfig{Honoring: HonoringPolicy{Type: PolicyClassic}}, nil, zap.NewNop())
	require.NoError(t, err)
	policy, err := e.Policy(context.Background(), base+"/page")
	require.NoError(t, err)
	require.Same(t, AllowAll(), policy)
}

func TestEnforcerRetriesTransientFetchErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "User-agent: *\nDisallow: /")
	}))
	defer srv.Close()

	flaky := &flakyTransport{failures: 2, next: srv.Client().Transport}
	e, err := NewEnforcer(EnforcerConfig{
		Honoring:  HonoringPolicy{Type: PolicyClassic},
		UserAgent: "test-agent",
		Retry:     crawler.BackoffConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, &http.Client{Transport: flaky}, zap.NewNop())
	require.NoError(t, err)

	blocked, _, err := e.Disallows(context.Background(), item(t, srv.URL+"/page"))
	require.NoError(t, err)
	require.True(t, blocked, "rules from the third attempt apply")
	require.EqualValues(t, 3, flaky.calls.Load())
}

func TestEnforcerCustomAndIgnore(t *testing.T) {
	t.Parallel()

	custom, err := NewEnforcer(EnforcerConfig{Honoring: HonoringPolicy{
		Type:         PolicyCustom,
		CustomRobots: "User-agent: *\nDisallow: /\n",
	}}, nil, nil)
	require.NoError(t, err)
	blocked, _, err := custom.Disallows(context.Background(), item(t, "https://unreachable.invalid/page"))
	require.NoError(t, err)
	require.True(t, blocked)

	ignore, err := NewEnforcer(EnforcerConfig{Honoring: HonoringPolicy{Type: PolicyIgnore}}, nil, nil)
	require.NoError(t, err)
	policy, err := ignore.Policy(context.Background(), "https://unreachable.invalid/page")
	require.NoError(t, err)
	require.Same(t, AllowAll(), policy)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, timeoutErr{}
	}
	return f.next.RoundTrip(r)
}
