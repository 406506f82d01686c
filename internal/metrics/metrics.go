// Package metrics exposes process-wide Prometheus collectors for the job service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	rateLimitCurrentDelay      *prometheus.GaugeVec
	retryAttemptsTotal         *prometheus.CounterVec
	fetchResultsTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpusjobs_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corpusjobs_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corpusjobs_rate_limit_delay_seconds",
				Help:    "Histogram of adaptive rate limiter waits, labeled by target.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		rateLimitCurrentDelay = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corpusjobs_rate_limit_current_delay_seconds",
				Help: "Current adaptive delay per target.",
			},
			[]string{"target"},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpusjobs_retry_attempts_total",
				Help: "Failed attempts of external calls, labeled by job type and retry class.",
			},
			[]string{"job_type", "class"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpusjobs_fetch_results_total",
				Help: "Content fetches, labeled by site and result kind.",
			},
			[]string{"site", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corpusjobs_fetch_bytes_total",
				Help: "Bytes downloaded by the content fetcher, labeled by site.",
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname without a leading "www.".
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return "unknown"
	}
	return host
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(target string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// SetRateLimitDelay publishes the current adaptive delay of a target.
func SetRateLimitDelay(target string, delay time.Duration) {
	Init()
	rateLimitCurrentDelay.WithLabelValues(target).Set(delay.Seconds())
}

// ObserveRetry counts one failed attempt of an external call.
func ObserveRetry(jobType, class string) {
	Init()
	retryAttemptsTotal.WithLabelValues(jobType, class).Inc()
}

// ObserveFetch records one content fetch result.
func ObserveFetch(site, result string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchResultsTotal.WithLabelValues(sanitizedSite, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}
