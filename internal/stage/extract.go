package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/recorder"
)

const (
	defaultMaxParseBytes = 8 << 20
	// Buffers that grew past this are dropped after use instead of kept.
	maxRetainedBuffer = 1 << 20
)

type linkSelector struct {
	query string
	attr  string
	hop   crawler.Hop
}

var linkSelectors = []linkSelector{
	{query: "a[href]", attr: "href", hop: crawler.HopLink},
	{query: "area[href]", attr: "href", hop: crawler.HopLink},
	{query: "link[href]", attr: "href", hop: crawler.HopLink},
	{query: "img[src]", attr: "src", hop: crawler.HopEmbed},
	{query: "script[src]", attr: "src", hop: crawler.HopEmbed},
	{query: "iframe[src]", attr: "src", hop: crawler.HopEmbed},
	{query: "frame[src]", attr: "src", hop: crawler.HopEmbed},
	{query: "source[src]", attr: "src", hop: crawler.HopEmbed},
	{query: "video[src]", attr: "src", hop: crawler.HopEmbed},
	{query: "audio[src]", attr: "src", hop: crawler.HopEmbed},
}

// ExtractConfig controls HTML link extraction.
type ExtractConfig struct {
	// MaxParseBytes bounds how much decoded text is parsed. Zero uses the
	// default; negative means unlimited.
	MaxParseBytes int64
}

// ExtractHTML parses fetched HTML and records link and embed outlinks. Each
// worker gets its own instance so the parse buffer is reused without locking.
type ExtractHTML struct {
	cfg    ExtractConfig
	logger *zap.Logger
	buf    bytes.Buffer
}

// NewExtractHTML builds the template instance that workers spawn from.
func NewExtractHTML(cfg ExtractConfig, logger *zap.Logger) *ExtractHTML {
	if cfg.MaxParseBytes == 0 {
		cfg.MaxParseBytes = defaultMaxParseBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractHTML{cfg: cfg, logger: logger.Named(NameExtractHTML)}
}

// Name implements crawler.Processor.
func (e *ExtractHTML) Name() string { return NameExtractHTML }

// RequiresPerWorkerInstance implements crawler.Processor.
func (e *ExtractHTML) RequiresPerWorkerInstance() bool { return true }

// Spawn implements crawler.Processor.
func (e *ExtractHTML) Spawn(ordinal int) crawler.Processor {
	return &ExtractHTML{cfg: e.cfg, logger: e.logger.With(zap.Int("ordinal", ordinal))}
}

// Process implements crawler.Processor.
func (e *ExtractHTML) Process(_ context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	if !fetched(item) || !isHTML(item.ContentType) || item.Recorder.BodySize() == 0 {
		return crawler.ResultProceed, nil
	}
	rec := item.Recorder
	enc := rec.SniffBodyEncoding(item.ContentType)
	cs, err := rec.BodyCharSequence(enc)
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("open body text: %w", err)
	}
	defer func() {
		if cerr := cs.Close(); cerr != nil {
			e.logger.Debug("close char sequence", zap.Error(cerr))
		}
	}()

	e.buf.Reset()
	defer func() {
		if e.buf.Cap() > maxRetainedBuffer {
			e.buf = bytes.Buffer{}
		}
	}()
	var src io.Reader = recorder.NewReader(cs)
	if e.cfg.MaxParseBytes > 0 {
		src = io.LimitReader(src, e.cfg.MaxParseBytes)
	}
	if _, err := e.buf.ReadFrom(src); err != nil {
		return crawler.ResultProceed, fmt.Errorf("decode body: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(e.buf.Bytes()))
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("parse html: %w", err)
	}

	base := item.URL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.ResolveReference(item.URL, href); err == nil {
			base = resolved
		}
	}
	found := 0
	for _, sel := range linkSelectors {
		doc.Find(sel.query).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(sel.attr)
			if !followable(raw) {
				return
			}
			target, err := crawler.ResolveReference(base, raw)
			if err != nil {
				return
			}
			hop := sel.hop
			if sel.query == "link[href]" && embedRel(s.AttrOr("rel", "")) {
				hop = crawler.HopEmbed
			}
			if item.AddOutlink(crawler.Link{URL: target, Hop: hop, Context: sel.query}) {
				found++
			}
		})
	}
	item.Set(DataLinksFound, found)
	e.logger.Debug("extracted links", zap.String("url", item.URL), zap.Int("links", found), zap.String("encoding", enc.Name()))
	return crawler.ResultProceed, nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func followable(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" || strings.HasPrefix(v, "#") {
		return false
	}
	for _, scheme := range []string{"javascript:", "mailto:", "data:", "tel:"} {
		if strings.HasPrefix(v, scheme) {
			return false
		}
	}
	return true
}

func embedRel(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		switch r {
		case "stylesheet", "icon", "preload", "manifest":
			return true
		}
	}
	return false
}
