// Package metrics exposes Prometheus collectors for the harvester service.
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

const namespace = "harvester"

// collectors groups every process-wide series. Fields are populated once by Init.
type collectors struct {
	fetches          *prometheus.CounterVec
	fetchedBytes     *prometheus.CounterVec
	strategyAttempts *prometheus.CounterVec
	targets          *prometheus.CounterVec
	jobs             *prometheus.CounterVec
	checkpointWrites *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	activeWorkers    prometheus.Gauge
	rateLimitWait    prometheus.Histogram
	targetDuration   prometheus.Histogram
	httpDuration     *prometheus.HistogramVec
}

var (
	std  collectors
	once sync.Once
)

// Init registers the collectors with the default registry. Repeated calls are no-ops.
func Init() {
	once.Do(func() {
		std = newCollectors(promauto.With(prometheus.DefaultRegisterer))
	})
}

func newCollectors(f promauto.Factory) collectors {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets ...float64) prometheus.Histogram {
		return f.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	}

	return collectors{
		fetches:          counter("fetches_total", "Source fetches by site and status.", "site", "status"),
		fetchedBytes:     counter("bytes_total", "Bytes fetched by site.", "site"),
		strategyAttempts: counter("strategy_attempts_total", "Retrieval strategy attempts by resource kind, strategy and outcome.", "kind", "strategy", "outcome"),
		targets:          counter("targets_total", "Finished targets by status.", "status"),
		jobs:             counter("jobs_total", "Job transitions by status.", "status"),
		checkpointWrites: counter("checkpoint_writes_total", "Checkpoint writes by kind and outcome.", "kind", "outcome"),
		httpRequests:     counter("http_requests_total", "API requests by method and code.", "method", "code"),
		activeWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently processing a target.",
		}),
		rateLimitWait:  histogram("rate_limit_wait_seconds", "Time spent waiting on the pacing limiter.", 0.1, 0.5, 1, 2, 5, 10, 30),
		targetDuration: histogram("target_duration_seconds", "Per-target processing time.", 1, 5, 15, 30, 60, 120, 300),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and route.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// SanitizeSite reduces a URL to its lowercase host, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "unknown"
	}
	return host
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one source fetch.
func ObserveFetch(rawURL, status string, size int) {
	Init()
	site := SanitizeSite(rawURL)
	std.fetches.WithLabelValues(site, status).Inc()
	if size > 0 {
		std.fetchedBytes.WithLabelValues(site).Add(float64(size))
	}
}

// ObserveStrategy records one strategy attempt for a resource kind.
func ObserveStrategy(kind, strategy, outcome string) {
	Init()
	std.strategyAttempts.WithLabelValues(kind, strategy, outcome).Inc()
}

// ObserveTarget records a finished target and how long it took.
func ObserveTarget(status string, took time.Duration) {
	Init()
	std.targets.WithLabelValues(status).Inc()
	std.targetDuration.Observe(took.Seconds())
}

func ObserveJob(status string) {
	Init()
	std.jobs.WithLabelValues(status).Inc()
}

// ObserveCheckpointWrite counts a checkpoint write; a non-nil err marks it failed.
func ObserveCheckpointWrite(kind string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	std.checkpointWrites.WithLabelValues(kind, outcome).Inc()
}

func ObserveHTTPRequest(method, route string, code int, took time.Duration) {
	Init()
	std.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	std.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func IncActiveWorkers() {
	Init()
	std.activeWorkers.Inc()
}

func DecActiveWorkers() {
	Init()
	std.activeWorkers.Dec()
}

// ObserveRateLimitWait records how long a worker waited for its pacing slot.
func ObserveRateLimitWait(waited time.Duration) {
	Init()
	std.rateLimitWait.Observe(waited.Seconds())
}
