package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/recorder"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBodyBytes = 64 << 20
)

// ErrNoRecorder is returned when an item reaches the fetch stage outside a
// worker.
var ErrNoRecorder = errors.New("item has no recorder")

// FetchConfig controls the HTTP fetch stage.
type FetchConfig struct {
	UserAgent string
	// Timeout bounds one request including the body read.
	Timeout time.Duration
	// MaxBodyBytes truncates longer bodies. Zero uses the default; negative
	// means unlimited.
	MaxBodyBytes int64
	// ForbiddenThreshold blocks a host after this many 401/403 responses.
	ForbiddenThreshold int
}

// FetchHTTP issues GET requests and writes each response, status line and
// headers included, through the worker's recorder. Redirects are not
// followed; the target is recorded as a redirect outlink instead.
type FetchHTTP struct {
	crawler.SharedProcessor
	cfg       FetchConfig
	client    *http.Client
	limiter   HostLimiter
	forbidden *crawler.ForbiddenTracker
	logger    *zap.Logger
}

// NewFetchHTTP builds the fetch stage. A nil client gets a pooled transport;
// limiter may be nil.
func NewFetchHTTP(cfg FetchConfig, client *http.Client, limiter HostLimiter, logger *zap.Logger) *FetchHTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &http.Client{Transport: newHTTPTransport()}
	if client != nil {
		copied := *client
		c = &copied
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &FetchHTTP{
		cfg:       cfg,
		client:    c,
		limiter:   limiter,
		forbidden: crawler.NewForbiddenTracker(cfg.ForbiddenThreshold),
		logger:    logger.Named(NameFetchHTTP),
	}
}

// Name implements crawler.Processor.
func (f *FetchHTTP) Name() string { return NameFetchHTTP }

// Process implements crawler.Processor.
func (f *FetchHTTP) Process(ctx context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	rec := item.Recorder
	if rec == nil {
		return crawler.ResultProceed, ErrNoRecorder
	}
	host := item.Host()
	if f.forbidden.IsBlocked(host) {
		item.SetStatus(crawler.StatusBlockedByUser)
		item.Annotate("forbidden-host")
		return crawler.ResultFinish, nil
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, item.URL); err != nil {
			return crawler.ResultProceed, fmt.Errorf("wait for host slot: %w", err)
		}
	}

	item.RecordFetchAttempt()
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, item.URL, http.NoBody)
	if err != nil {
		item.SetStatus(crawler.StatusUnfetchable)
		item.Set(crawler.DataFetchError, err.Error())
		return crawler.ResultFinish, nil
	}
	ua := item.UserAgent
	if ua == "" {
		ua = f.cfg.UserAgent
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if item.Via != "" {
		req.Header.Set("Referer", item.Via)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.ResultProceed, fmt.Errorf("fetch interrupted: %w", ctx.Err())
		}
		return f.failed(item, err, classifyRequestError(err)), nil
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if err := rec.Open(nil); err != nil {
		return crawler.ResultProceed, fmt.Errorf("open recorder: %w", err)
	}
	if err := writeHead(rec, resp); err != nil {
		_ = rec.Close()
		return crawler.ResultProceed, err
	}
	rec.MarkBodyStart()
	rec.StartDigest()
	n, drainErr := rec.NewRecordingReader(resp.Body).Drain(reqCtx, f.cfg.MaxBodyBytes)
	if err := rec.Close(); err != nil {
		return crawler.ResultProceed, fmt.Errorf("close recorder: %w", err)
	}
	item.Set(DataFetchDuration, time.Since(start))

	switch {
	case drainErr == nil:
	case errors.Is(drainErr, recorder.ErrBodyTooLarge):
		item.Annotate("length-truncated")
		item.Set(DataTruncated, true)
	case ctx.Err() != nil:
		return crawler.ResultProceed, fmt.Errorf("fetch interrupted: %w", ctx.Err())
	default:
		return f.failed(item, drainErr, classifyReadError(drainErr)), nil
	}

	item.SetStatus(crawler.FetchStatus(resp.StatusCode))
	item.ContentType = resp.Header.Get("Content-Type")
	item.ContentSize = n
	item.ContentDigest = rec.Digest()
	metrics.ObserveFetch(item.URL, strconv.Itoa(resp.StatusCode), n)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if f.forbidden.MarkForbidden(host) {
			f.logger.Info("host blocked after repeated forbidden responses", zap.String("host", host))
		}
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if loc := resp.Header.Get("Location"); loc != "" {
			if target, err := crawler.ResolveReference(item.URL, loc); err == nil {
				item.AddOutlink(crawler.Link{URL: target, Hop: crawler.HopRedirect, Context: "Location"})
			}
		}
	}
	f.logger.Debug("fetched",
		zap.String("url", item.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes", n))
	return crawler.ResultProceed, nil
}

func (f *FetchHTTP) failed(item *crawler.WorkItem, err error, status crawler.FetchStatus) crawler.ProcessResult {
	item.SetStatus(status)
	item.Set(crawler.DataFetchError, err.Error())
	metrics.ObserveFetch(item.URL, status.String(), 0)
	f.logger.Debug("fetch failed", zap.String("url", item.URL), zap.Stringer("status", status), zap.Error(err))
	return crawler.ResultFinish
}

// writeHead records the status line and headers ahead of the body mark.
func writeHead(w io.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "%s %s\r\n", resp.Proto, resp.Status); err != nil {
		return fmt.Errorf("record status line: %w", err)
	}
	if err := resp.Header.Write(w); err != nil {
		return fmt.Errorf("record headers: %w", err)
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return fmt.Errorf("record headers: %w", err)
	}
	return nil
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyRequestError(err error) crawler.FetchStatus {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return crawler.StatusDomainUnresolvable
	case timedOut(err):
		return crawler.StatusTimeout
	default:
		return crawler.StatusConnectFailed
	}
}

func classifyReadError(err error) crawler.FetchStatus {
	if timedOut(err) {
		return crawler.StatusTimeout
	}
	return crawler.StatusConnectLost
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
