// Package metrics exposes Prometheus collectors for the scrape orchestrator.
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
	unitsTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	uploadsTotal               *prometheus.CounterVec
	uploadBytesTotal           *prometheus.CounterVec
	lifecycleJobsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// repeatedly; the observe helpers call it themselves.
func Init() {
	once.Do(func() {
		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_units_total",
				Help: "Pipeline units processed, labeled by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Bytes downloaded by the extraction capability, labeled by site.",
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Jobs finished by a worker, labeled by final status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently executing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Jobs waiting in the in-process queue.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of per-job rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_upload_artifacts_total",
				Help: "Artifacts transferred to remote storage, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		uploadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_upload_bytes_total",
				Help: "Bytes transferred to remote storage, labeled by backend.",
			},
			[]string{"backend"},
		)

		lifecycleJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_lifecycle_jobs_total",
				Help: "Jobs handled by lifecycle sweeps, labeled by sweep and outcome.",
			},
			[]string{"sweep", "outcome"},
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

// ObserveUnit counts one pipeline unit outcome ("ok", "failed", "retried").
func ObserveUnit(phase, outcome string) {
	Init()
	unitsTotal.WithLabelValues(phase, outcome).Inc()
}

// ObserveBytes adds downloaded bytes for the site of rawURL.
func ObserveBytes(rawURL string, n int64) {
	if n <= 0 {
		return
	}
	Init()
	bytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records the number of queued jobs.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveUpload counts one artifact transfer and its size on success.
func ObserveUpload(backend, outcome string, size int64) {
	Init()
	uploadsTotal.WithLabelValues(backend, outcome).Inc()
	if outcome == "success" && size > 0 {
		uploadBytesTotal.WithLabelValues(backend).Add(float64(size))
	}
}

// ObserveLifecycle counts one job handled by a lifecycle sweep.
func ObserveLifecycle(sweep, outcome string) {
	Init()
	lifecycleJobsTotal.WithLabelValues(sweep, outcome).Inc()
}
