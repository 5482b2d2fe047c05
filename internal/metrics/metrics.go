// Package metrics exposes Prometheus collectors for the rank engine service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	providerRequestsTotal      *prometheus.CounterVec
	providerRequestSeconds     *prometheus.HistogramVec
	providerRateLimitSeconds   prometheus.Histogram
	backfillTotal              *prometheus.CounterVec
	reapedJobsTotal            *prometheus.CounterVec
	refreshDomainsTotal        *prometheus.CounterVec
	metricsCacheTotal          *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	activeProcessors           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_provider_requests_total",
				Help: "Rank provider requests, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		providerRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rank_provider_request_duration_seconds",
				Help:    "Rank provider request latency, labeled by endpoint.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		)

		providerRateLimitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rank_provider_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the provider rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		backfillTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_backfill_total",
				Help: "Historical backfill attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reapedJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_reaped_jobs_total",
				Help: "Jobs force-failed by the reaper, labeled by the state they were stuck in.",
			},
			[]string{"state"},
		)

		refreshDomainsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_refresh_domains_total",
				Help: "Domains visited by the refresh scheduler, labeled by frequency and outcome.",
			},
			[]string{"frequency", "outcome"},
		)

		metricsCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_metrics_cache_total",
				Help: "Keyword metrics cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_job_notifications_total",
				Help: "Terminal job notifications, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeProcessors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rank_active_processors",
				Help: "Number of job processor goroutines currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProviderRequest records one provider round trip.
func ObserveProviderRequest(endpoint, outcome string, duration time.Duration) {
	if providerRequestsTotal == nil {
		return
	}
	providerRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	providerRequestSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	if providerRateLimitSeconds == nil {
		return
	}
	providerRateLimitSeconds.Observe(duration.Seconds())
}

// ObserveBackfill counts a historical backfill attempt.
func ObserveBackfill(outcome string) {
	if backfillTotal == nil {
		return
	}
	backfillTotal.WithLabelValues(outcome).Inc()
}

// ObserveReapedJob counts a job failed by the reaper.
func ObserveReapedJob(state string) {
	if reapedJobsTotal == nil {
		return
	}
	reapedJobsTotal.WithLabelValues(state).Inc()
}

// ObserveRefreshDomain counts one domain visited by a refresh pass.
func ObserveRefreshDomain(frequency, outcome string) {
	if refreshDomainsTotal == nil {
		return
	}
	refreshDomainsTotal.WithLabelValues(frequency, outcome).Inc()
}

// ObserveMetricsCache counts a cache hit or miss.
func ObserveMetricsCache(result string) {
	if metricsCacheTotal == nil {
		return
	}
	metricsCacheTotal.WithLabelValues(result).Inc()
}

// ObserveNotification counts a terminal job notification.
func ObserveNotification(outcome string) {
	if notificationsTotal == nil {
		return
	}
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveProcessors increments the running processor gauge.
func IncActiveProcessors() {
	if activeProcessors == nil {
		return
	}
	activeProcessors.Inc()
}

// DecActiveProcessors decrements the running processor gauge.
func DecActiveProcessors() {
	if activeProcessors == nil {
		return
	}
	activeProcessors.Dec()
}
