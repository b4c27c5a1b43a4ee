// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRobotsFetchesTotal     *prometheus.CounterVec
	crawlerRobotsPrecludedTotal   prometheus.Counter
	crawlerStageFaultsTotal       *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes recorded, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerRobotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetches_total",
				Help: "Total robots.txt fetches, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerRobotsPrecludedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_precluded_total",
				Help: "Total items skipped because robots.txt disallows them.",
			},
		)

		crawlerStageFaultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_stage_faults_total",
				Help: "Total stage faults, labeled by stage and kind.",
			},
			[]string{"stage", "kind"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts a fetch and the bytes it recorded.
func ObserveFetch(site string, status string, bytesFetched int64) {
	if crawlerFetchesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFetch counts a robots.txt fetch by result ("ok", "error").
func ObserveRobotsFetch(result string) {
	if crawlerRobotsFetchesTotal == nil {
		return
	}
	crawlerRobotsFetchesTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsPrecluded counts an item blocked by robots.txt.
func ObserveRobotsPrecluded() {
	if crawlerRobotsPrecludedTotal == nil {
		return
	}
	crawlerRobotsPrecludedTotal.Inc()
}

// ObserveStageFault counts a stage fault.
func ObserveStageFault(stage, kind string) {
	if crawlerStageFaultsTotal == nil {
		return
	}
	crawlerStageFaultsTotal.WithLabelValues(stage, kind).Inc()
}

// SetActiveWorkers sets the active workers gauge.
func SetActiveWorkers(n int) {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
