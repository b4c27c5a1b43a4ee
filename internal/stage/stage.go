// Package stage holds the processing stages a work item walks through:
// scoping, robots preconditions, the HTTP fetch, link extraction, storage,
// and the post-processing stages that log, announce and schedule outlinks.
package stage

import (
	"context"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/robots"
)

// Stage names, unique across the default chain.
const (
	NamePreselector  = "preselector"
	NamePrecondition = "preconditions"
	NameFetchHTTP    = "fetch-http"
	NameExtractHTML  = "extract-html"
	NameWriter       = "writer"
	NameCrawlLog     = "crawl-log"
	NameAnnounce     = "announce"
	NameCandidates   = "candidates"
)

// Data keys stages share through the item side table.
const (
	DataFetchDuration = "fetch-duration"
	DataTruncated     = "truncated"
	DataLinksFound    = "links-found"
)

// ScopeDecider maps an item onto its scope disposition, StatusUnattempted
// meaning in scope.
type ScopeDecider interface {
	Decide(item *crawler.WorkItem) crawler.FetchStatus
}

// RobotsGate resolves robots decisions for an item.
type RobotsGate interface {
	Disallows(ctx context.Context, item *crawler.WorkItem) (bool, *robots.ExclusionPolicy, error)
}

// HostLimiter paces requests per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	SetCrawlDelay(rawURL string, delay time.Duration)
}

// fetched reports whether item holds a captured response.
func fetched(item *crawler.WorkItem) bool {
	return item.Status() > 0 && item.Recorder != nil
}
