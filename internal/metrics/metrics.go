// Package metrics exposes Prometheus collectors for the hub.
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
	lookupsTotal               *prometheus.CounterVec
	lookupDurationSeconds      prometheus.Histogram
	batchClaimsTotal           *prometheus.CounterVec
	batchUnitsClaimedTotal     prometheus.Counter
	batchClaimShortfallTotal   prometheus.Counter
	batchReportsTotal          *prometheus.CounterVec
	channelConnections         prometheus.Gauge
	redispatchedTasksTotal     prometheus.Counter

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"method", "route"},
		)

		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankhub_lookups_total",
				Help: "Interactive lookups, labeled by outcome code.",
			},
			[]string{"outcome"},
		)

		lookupDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rankhub_lookup_duration_seconds",
				Help:    "End-to-end latency of interactive lookups.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30},
			},
		)

		batchClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankhub_batch_claims_total",
				Help: "Batch claim calls, labeled by whether any unit was granted.",
			},
			[]string{"result"},
		)

		batchUnitsClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rankhub_batch_units_claimed_total",
				Help: "Work units handed out through batch claims.",
			},
		)

		batchClaimShortfallTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rankhub_batch_claim_shortfall_total",
				Help: "Units requested by batch claims but not granted.",
			},
		)

		batchReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankhub_batch_reports_total",
				Help: "Batch result and failure reports, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		channelConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankhub_channel_connections",
				Help: "Open agent websocket connections, registered or not.",
			},
		)

		redispatchedTasksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rankhub_redispatched_tasks_total",
				Help: "Queued tasks dispatched by the background redispatcher.",
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
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLookup records one interactive lookup. outcome is "success" or an error code.
func ObserveLookup(outcome string, duration time.Duration) {
	Init()
	lookupsTotal.WithLabelValues(outcome).Inc()
	lookupDurationSeconds.Observe(duration.Seconds())
}

// ObserveBatchClaim records one claim call that asked for desired units and won granted leases.
func ObserveBatchClaim(desired, granted int) {
	Init()
	result := "granted"
	if granted == 0 {
		result = "empty"
	}
	batchClaimsTotal.WithLabelValues(result).Inc()
	batchUnitsClaimedTotal.Add(float64(granted))
	if short := desired - granted; short > 0 {
		batchClaimShortfallTotal.Add(float64(short))
	}
}

// ObserveBatchReport records a result or failure report and whether the store accepted it.
func ObserveBatchReport(kind string, ok bool) {
	Init()
	status := "ok"
	if !ok {
		status = "error"
	}
	batchReportsTotal.WithLabelValues(kind, status).Inc()
}

// IncConnections increments the open connection gauge.
func IncConnections() {
	Init()
	channelConnections.Inc()
}

// DecConnections decrements the open connection gauge.
func DecConnections() {
	Init()
	channelConnections.Dec()
}

// ObserveRedispatch counts tasks the redispatcher placed on an agent.
func ObserveRedispatch(n int) {
	Init()
	if n > 0 {
		redispatchedTasksTotal.Add(float64(n))
	}
}
