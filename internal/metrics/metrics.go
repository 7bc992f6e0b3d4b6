// Package metrics exposes Prometheus collectors for the indexwatch service.
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
	itemsTrackedTotal        prometheus.Counter
	checksTotal              *prometheus.CounterVec
	cyclesTotal              prometheus.Counter
	cycleItemsTotal          *prometheus.CounterVec
	pendingItems             prometheus.Gauge
	avgTimeToIndexHours      prometheus.Gauge
	authorityRequestDuration *prometheus.HistogramVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTrackedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexwatch_items_tracked_total",
				Help: "Total number of URLs registered for index tracking.",
			},
		)

		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexwatch_checks_total",
				Help: "Total number of per-item check outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cyclesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexwatch_cycles_total",
				Help: "Total number of completed reconciliation cycles.",
			},
		)

		cycleItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexwatch_cycle_items_total",
				Help: "Total items resolved by cycles, labeled by result.",
			},
			[]string{"result"},
		)

		pendingItems = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexwatch_pending_items",
				Help: "Number of tracked items not yet in a terminal state.",
			},
		)

		avgTimeToIndexHours = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexwatch_avg_time_to_index_hours",
				Help: "Rolling mean time from publication to indexed, in hours.",
			},
		)

		authorityRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexwatch_authority_request_duration_seconds",
				Help:    "Histogram of status authority call latencies, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTracked increments the tracked-items counter.
func ObserveTracked() {
	itemsTrackedTotal.Inc()
}

// ObserveCheck increments the per-item check counter for the given outcome.
func ObserveCheck(outcome string) {
	checksTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle records an aggregate reconciliation cycle result.
func ObserveCycle(indexed, retried, failed int) {
	cyclesTotal.Inc()
	cycleItemsTotal.WithLabelValues("indexed").Add(float64(indexed))
	cycleItemsTotal.WithLabelValues("retried").Add(float64(retried))
	cycleItemsTotal.WithLabelValues("failed").Add(float64(failed))
}

// SetPendingItems updates the pending-items gauge.
func SetPendingItems(n int) {
	pendingItems.Set(float64(n))
}

// SetAvgTimeToIndex updates the average time-to-index gauge.
func SetAvgTimeToIndex(hours float64) {
	avgTimeToIndexHours.Set(hours)
}

// ObserveAuthorityRequest records the duration of a status authority call.
func ObserveAuthorityRequest(operation string, duration time.Duration) {
	authorityRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
