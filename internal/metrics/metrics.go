// Package metrics exposes Prometheus collectors for the listing pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal                  *prometheus.CounterVec
	entriesTotal               *prometheus.CounterVec
	listingsExtractedTotal     *prometheus.CounterVec
	extractionDurationSeconds  *prometheus.HistogramVec
	storeCommitsTotal          *prometheus.CounterVec
	storeRecordsCommittedTotal prometheus.Counter
	cascadeDeletedTotal        *prometheus.CounterVec
	cascadeCyclesTotal         *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	tasksPending               *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	snapshotsTotal             *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_runs_total",
				Help: "Acquisition runs, labeled by overall status.",
			},
			[]string{"status"},
		)

		entriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_entries_total",
				Help: "Watchlist entries processed, labeled by outcome.",
			},
			[]string{"status"},
		)

		listingsExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_listings_extracted_total",
				Help: "Listing records extracted, labeled by site.",
			},
			[]string{"site"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listingwatch_extraction_duration_seconds",
				Help:    "Histogram of per-URL extraction latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"site"},
		)

		storeCommitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_store_commits_total",
				Help: "Atomic store batches attempted, labeled by result.",
			},
			[]string{"result"},
		)

		storeRecordsCommittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listingwatch_store_records_committed_total",
				Help: "Listing records written by successful commits.",
			},
		)

		cascadeDeletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_cascade_deleted_total",
				Help: "Documents removed by cascade deletion, labeled by collection.",
			},
			[]string{"collection"},
		)

		cascadeCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_cascade_cycles_total",
				Help: "Fetch/delete page cycles executed, labeled by collection.",
			},
			[]string{"collection"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_tasks_total",
				Help: "Background tasks processed, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		tasksPending = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "listingwatch_tasks_pending",
				Help: "Tasks waiting in the queue, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listingwatch_active_workers",
				Help: "Number of task workers currently processing a task.",
			},
		)

		snapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_snapshots_total",
				Help: "Rendered pages archived to blob storage, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listingwatch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveRun records a finished acquisition run.
func ObserveRun(status string) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveEntry records the outcome of one watchlist entry.
func ObserveEntry(status string) {
	Init()
	entriesTotal.WithLabelValues(status).Inc()
}

// ObserveExtraction records how long one URL took and how many listings it yielded.
func ObserveExtraction(rawURL string, listings int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	extractionDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	if listings > 0 {
		listingsExtractedTotal.WithLabelValues(site).Add(float64(listings))
	}
}

// ObserveCommit records one atomic sub-batch.
func ObserveCommit(records int, err error) {
	Init()
	if err != nil {
		storeCommitsTotal.WithLabelValues("error").Inc()
		return
	}
	storeCommitsTotal.WithLabelValues("ok").Inc()
	storeRecordsCommittedTotal.Add(float64(records))
}

// ObserveCascadeCycle records one fetch/delete page.
func ObserveCascadeCycle(collection string, deleted int) {
	Init()
	cascadeCyclesTotal.WithLabelValues(collection).Inc()
	cascadeDeletedTotal.WithLabelValues(collection).Add(float64(deleted))
}

// ObserveTask records a processed background task.
func ObserveTask(kind string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	tasksTotal.WithLabelValues(kind, result).Inc()
}

// SetTasksPending reports the queue depth for one task kind.
func SetTasksPending(kind string, n int) {
	Init()
	tasksPending.WithLabelValues(kind).Set(float64(n))
}

// ObserveSnapshot records an archive attempt.
func ObserveSnapshot(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	snapshotsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
