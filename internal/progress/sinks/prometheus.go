package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// PrometheusSink exports crawl progress through Prometheus collectors.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemBytes    *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	workersEnded prometheus.Counter
	pauses       prometheus.Counter
	alerts       prometheus.Counter

	mu      sync.Mutex
	running map[[16]byte]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_crawls_started_total",
			Help: "Crawl runs that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_crawls_completed_total",
			Help: "Crawl runs completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_crawls_running",
			Help: "Crawl runs currently in progress.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl run.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_items_total",
			Help: "Items handed back to the frontier by host and status class.",
		}, []string{"host", "status_class"}),
		itemBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_item_bytes_total",
			Help: "Captured bytes per host.",
		}, []string{"host"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_item_duration_seconds",
			Help:    "Time an item spent in a worker's chain.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		workersEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_workers_ended_total",
			Help: "Workers that left their processing loop.",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_pauses_total",
			Help: "Crawl pauses requested.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_alerts_total",
			Help: "Operator alerts raised.",
		}),
		running: make(map[[16]byte]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.items,
		s.itemBytes,
		s.itemDuration,
		s.workersEnded,
		s.pauses,
		s.alerts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart:
			s.crawlsStarted.Inc()
			if s.track(evt.CrawlID, true) {
				s.crawlsRunning.Inc()
			}
		case progress.StageCrawlDone:
			s.finishCrawl(evt, "success")
		case progress.StageCrawlError:
			s.finishCrawl(evt, "error")
		case progress.StageItemDone:
			s.observeItem(evt)
		case progress.StageWorkerEnded:
			s.workersEnded.Inc()
		case progress.StageCrawlPause:
			s.pauses.Inc()
		case progress.StageAlert:
			s.alerts.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finishCrawl(evt progress.Event, result string) {
	s.crawlsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.track(evt.CrawlID, false) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) observeItem(evt progress.Event) {
	host := evt.Site
	if host == "" {
		host = "unknown"
	}
	class := string(evt.StatusClass)
	if class == "" {
		class = string(progress.StatusOther)
	}
	s.items.WithLabelValues(host, class).Inc()
	if evt.Bytes > 0 {
		s.itemBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
	}
}

// track adds or removes id from the running set and reports whether the set changed.
func (s *PrometheusSink) track(id [16]byte, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		if ok {
			return false
		}
		s.running[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, id)
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
