// Package metrics exposes Prometheus collectors for the restock tracker.
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
	pollRunsTotal              *prometheus.CounterVec
	pollRunDurationSeconds     *prometheus.HistogramVec
	schedulerSkippedTicksTotal *prometheus.CounterVec
	schedulerActiveRuns        prometheus.Gauge
	observationsTotal          *prometheus.CounterVec
	variantFailuresTotal       *prometheus.CounterVec
	transitionsTotal           *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	storeWritesTotal           *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pollRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_poll_runs_total",
				Help: "Total number of poll runs, labeled by job and result.",
			},
			[]string{"job", "result"},
		)

		pollRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "restock_poll_run_duration_seconds",
				Help:    "Histogram of poll run durations, labeled by job.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"job"},
		)

		schedulerSkippedTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_scheduler_skipped_ticks_total",
				Help: "Ticks that did not start a run, labeled by job and reason.",
			},
			[]string{"job", "reason"},
		)

		schedulerActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "restock_scheduler_active_runs",
				Help: "Number of poll runs currently executing.",
			},
		)

		observationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_observations_total",
				Help: "Observations applied to the state store, labeled by source and availability.",
			},
			[]string{"source", "in_stock"},
		)

		variantFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_variant_failures_total",
				Help: "Per-variant soft failures, labeled by source.",
			},
			[]string{"source"},
		)

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_transitions_total",
				Help: "Stock transitions detected, labeled by source and direction.",
			},
			[]string{"source", "direction"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_notifications_total",
				Help: "Per-user notification outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		storeWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_store_writes_total",
				Help: "Persisted store writes, labeled by store and result.",
			},
			[]string{"store", "result"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restock_fetches_total",
				Help: "Outbound fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "restock_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
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

// ObservePollRun records the outcome and duration of one scheduled run.
func ObservePollRun(job, result string, duration time.Duration) {
	Init()
	pollRunsTotal.WithLabelValues(job, result).Inc()
	pollRunDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveSkippedTick counts a tick that did not start a run.
func ObserveSkippedTick(job, reason string) {
	Init()
	schedulerSkippedTicksTotal.WithLabelValues(job, reason).Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	schedulerActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	schedulerActiveRuns.Dec()
}

// ObserveObservation counts one applied observation.
func ObserveObservation(source string, inStock bool) {
	Init()
	observationsTotal.WithLabelValues(source, strconv.FormatBool(inStock)).Inc()
}

// ObserveVariantFailure counts one soft failure.
func ObserveVariantFailure(source string) {
	Init()
	variantFailuresTotal.WithLabelValues(source).Inc()
}

// ObserveTransition counts one detected transition.
func ObserveTransition(source, direction string) {
	Init()
	transitionsTotal.WithLabelValues(source, direction).Inc()
}

// ObserveNotification counts one dispatch outcome: sent, skipped, failed,
// capped, or lookup_failed.
func ObserveNotification(outcome string) {
	Init()
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStoreWrite counts a persisted write attempt.
func ObserveStoreWrite(store string, err error) {
	Init()
	result := "success"
	if err != nil {
		result = "error"
	}
	storeWritesTotal.WithLabelValues(store, result).Inc()
}

// ObserveFetch counts an outbound fetch.
func ObserveFetch(site, status string) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
