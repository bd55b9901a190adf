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
	crawlsTotal                *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	robotsBlockedTotal         *prometheus.CounterVec
	inflightCrawls             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagescope_crawls_total",
				Help: "Total number of crawl tasks reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagescope_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagescope_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagescope_rate_limit_delay_seconds",
				Help:    "Histogram of politeness wait durations, labeled by domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsBlockedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagescope_robots_blocked_total",
				Help: "Total number of crawl tasks blocked by robots.txt, labeled by domain.",
			},
			[]string{"domain"},
		)

		inflightCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagescope_inflight_crawls",
				Help: "Number of crawl tasks currently being processed.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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

// ObserveCrawl increments the terminal-status counter.
func ObserveCrawl(status string) {
	crawlsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records the outcome of one HTTP fetch.
func ObserveFetch(site string, bytesFetched int, duration time.Duration) {
	sanitized := SanitizeSite(site)
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsBlocked increments the robots-blocked counter.
func ObserveRobotsBlocked(domain string) {
	robotsBlockedTotal.WithLabelValues(domain).Inc()
}

// IncInflight increments the in-flight crawl gauge.
func IncInflight() {
	inflightCrawls.Inc()
}

// DecInflight decrements the in-flight crawl gauge.
func DecInflight() {
	inflightCrawls.Dec()
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
