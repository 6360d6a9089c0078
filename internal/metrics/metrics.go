// Package metrics exposes Prometheus collectors for the crawl pipeline.
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
	fetchesTotal              *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	fetchBytesTotal           *prometheus.CounterVec
	blockedFetchesTotal       *prometheus.CounterVec
	jobsTotal                 *prometheus.CounterVec
	runsTotal                 *prometheus.CounterVec
	snapshotsWrittenTotal     prometheus.Counter
	snapshotsSkippedTotal     prometheus.Counter
	productsDeactivatedTotal  prometheus.Counter
	proxiesDeactivatedTotal   prometheus.Counter
	rateLimitDelaySeconds     *prometheus.HistogramVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetches_total",
				Help: "Total fetch attempts, labeled by site and result class.",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_bytes_total",
				Help: "Total response bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		blockedFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_blocked_fetches_total",
				Help: "Fetches classified as bot-blocked, labeled by site.",
			},
			[]string{"site"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_jobs_total",
				Help: "Queue jobs processed, labeled by queue and outcome.",
			},
			[]string{"queue", "status"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_runs_total",
				Help: "Crawl runs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		snapshotsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_snapshots_written_total",
				Help: "Product snapshots persisted.",
			},
		)

		snapshotsSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_snapshots_skipped_total",
				Help: "Snapshots skipped because content was unchanged.",
			},
		)

		productsDeactivatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_products_deactivated_total",
				Help: "Products deactivated by reconciliation.",
			},
		)

		proxiesDeactivatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_proxies_deactivated_total",
				Help: "Proxies deactivated by the health sweep.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter wait durations, labeled by queue.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"queue"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
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

// Handler returns the http.Handler serving the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site string, result string, bytes int64, duration time.Duration) {
	s := SanitizeSite(site)
	fetchesTotal.WithLabelValues(s, result).Inc()
	fetchDurationSeconds.WithLabelValues(s).Observe(duration.Seconds())
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(s).Add(float64(bytes))
	}
}

// ObserveBlocked increments the blocked fetch counter.
func ObserveBlocked(site string) {
	blockedFetchesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveJob increments the per-queue job counter.
func ObserveJob(queue, status string) {
	jobsTotal.WithLabelValues(queue, status).Inc()
}

// ObserveRunFinished increments the run counter for a terminal status.
func ObserveRunFinished(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveSnapshotWritten increments the snapshot counter.
func ObserveSnapshotWritten() {
	snapshotsWrittenTotal.Inc()
}

// ObserveSnapshotSkipped increments the unchanged-content counter.
func ObserveSnapshotSkipped() {
	snapshotsSkippedTotal.Inc()
}

// ObserveProductsDeactivated adds to the reconciliation counter.
func ObserveProductsDeactivated(n int64) {
	if n > 0 {
		productsDeactivatedTotal.Add(float64(n))
	}
}

// ObserveProxiesDeactivated adds to the proxy health sweep counter.
func ObserveProxiesDeactivated(n int64) {
	if n > 0 {
		proxiesDeactivatedTotal.Add(float64(n))
	}
}

// ObserveRateLimitDelay records a rate limiter wait.
func ObserveRateLimitDelay(queue string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
