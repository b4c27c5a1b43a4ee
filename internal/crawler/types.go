// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/recorder"
)

// Hop classifies how a URI was reached from its parent.
type Hop byte

// Hop kinds recorded in PathFromSeed, one letter per hop.
const (
	HopLink         Hop = 'L'
	HopEmbed        Hop = 'E'
	HopRedirect     Hop = 'R'
	HopPrerequisite Hop = 'P'
)

// Well-known side table keys.
const (
	DataRuntimeFault = "runtime-fault"
	DataFetchError   = "fetch-error"
)

// Link is an outlink discovered by an extraction stage.
type Link struct {
	URL     string `json:"url"`
	Hop     Hop    `json:"hop"`
	Context string `json:"context,omitempty"`
}

// Cursor marks the chain position of an item during its pass through a worker.
type Cursor struct {
	Group int
	Stage int
	Name  string
}

// WorkItem is the mutable unit of crawl work. A single worker owns it between
// Frontier.Next and Frontier.Finished; nothing else may mutate it meanwhile.
type WorkItem struct {
	URL           string
	Via           string
	PathFromSeed  string
	UserAgent     string
	ContentType   string
	ContentSize   int64
	ContentDigest string
	StoredURI     string
	CrawlDelay    time.Duration

	// Recorder belongs to the processing worker and is only set while the
	// item walks that worker's chain.
	Recorder *recorder.Recorder

	// status and fetchAttempts are read by status reporting and written by
	// Kill while a stage may still be running, so they sit behind mu.
	mu            sync.Mutex
	status        FetchStatus
	fetchAttempts int
	cursor        Cursor
	annotations   []string
	data          map[string]any
	outlinks      []Link
	outlinkSeen   map[string]struct{}
}

// NewWorkItem builds a seed item for rawURL.
func NewWorkItem(rawURL string) (*WorkItem, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &WorkItem{URL: normalized}, nil
}

// Child derives an item for an outlink of parent.
func Child(parent *WorkItem, link Link) (*WorkItem, error) {
	normalized, err := NormalizeURL(link.URL)
	if err != nil {
		return nil, err
	}
	return &WorkItem{
		URL:          normalized,
		Via:          parent.URL,
		PathFromSeed: parent.PathFromSeed + string(link.Hop),
	}, nil
}

// Host returns the lowercased host of the item URL.
func (w *WorkItem) Host() string {
	u, err := url.Parse(w.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// LinkHops counts the link hops in the path from seed.
func (w *WorkItem) LinkHops() int {
	n := 0
	for i := 0; i < len(w.PathFromSeed); i++ {
		if Hop(w.PathFromSeed[i]) == HopLink {
			n++
		}
	}
	return n
}

// Status returns the fetch status.
func (w *WorkItem) Status() FetchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SetStatus records the fetch status.
func (w *WorkItem) SetStatus(s FetchStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// FetchAttempts returns how many times the item has been fetched.
func (w *WorkItem) FetchAttempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetchAttempts
}

// RecordFetchAttempt counts one fetch and returns the new total.
func (w *WorkItem) RecordFetchAttempt() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetchAttempts++
	return w.fetchAttempts
}

// Annotate appends a free-form annotation.
func (w *WorkItem) Annotate(note string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.annotations = append(w.annotations, note)
}

// Annotations returns a copy of the annotations in insertion order.
func (w *WorkItem) Annotations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.annotations...)
}

// Set stores a value in the inter-stage side table.
func (w *WorkItem) Set(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.data == nil {
		w.data = make(map[string]any)
	}
	w.data[key] = value
}

// Get reads a value from the side table.
func (w *WorkItem) Get(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.data[key]
	return v, ok
}

// AddOutlink records a discovered link, ignoring duplicates by URL.
func (w *WorkItem) AddOutlink(link Link) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outlinkSeen == nil {
		w.outlinkSeen = make(map[string]struct{})
	}
	if _, ok := w.outlinkSeen[link.URL]; ok {
		return false
	}
	w.outlinkSeen[link.URL] = struct{}{}
	w.outlinks = append(w.outlinks, link)
	return true
}

// Outlinks returns the discovered links in discovery order.
func (w *WorkItem) Outlinks() []Link {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Link(nil), w.outlinks...)
}

// SetCursor records the chain position about to run.
func (w *WorkItem) SetCursor(c Cursor) {
	w.mu.Lock()
	w.cursor = c
	w.mu.Unlock()
}

// Cursor returns the last recorded chain position.
func (w *WorkItem) Cursor() Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Reset clears per-pass state so a retried item starts from a clean slate.
// Identity fields and annotations survive.
func (w *WorkItem) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = StatusUnattempted
	w.ContentType = ""
	w.ContentSize = 0
	w.ContentDigest = ""
	w.StoredURI = ""
	w.cursor = Cursor{}
	w.data = nil
	w.outlinks = nil
	w.outlinkSeen = nil
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("%s %s", w.PathFromSeed, w.URL)
}
