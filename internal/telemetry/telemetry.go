// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeAck     = "ack"
	OutcomeRequeue = "requeue"
	OutcomeDrop    = "drop"
	OutcomeError   = "error"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonanza_messages_total",
			Help: "Messages handled, labeled by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonanza_fetch_total",
			Help: "Outbound search fetches, labeled by source and status.",
		},
		[]string{"source", "status"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonanza_fetch_bytes_total",
			Help: "Bytes fetched from search endpoints, labeled by source.",
		},
		[]string{"source"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonanza_fetch_duration_seconds",
			Help:    "Histogram of search fetch latencies.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonanza_rate_limit_delay_seconds",
			Help:    "Histogram of token bucket wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"bucket"},
	)

	listingsSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonanza_listings_saved_total",
			Help: "Listings written, labeled by source and operation (insert or update).",
		},
		[]string{"source", "op"},
	)

	measuresWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonanza_measures_written_total",
			Help: "Series measures written, labeled by feature.",
		},
		[]string{"feature"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bonanza_active_workers",
			Help: "Number of workers currently running.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonanza_http_requests_total",
			Help: "Ops API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonanza_http_request_duration_seconds",
			Help:    "Histogram of ops API latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
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

// ObserveMessage records how a consumer settled a message.
func ObserveMessage(task, outcome string) {
	messagesTotal.WithLabelValues(task, outcome).Inc()
}

// ObserveFetch records one outbound fetch.
func ObserveFetch(source string, status int, bytesFetched int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	fetchTotal.WithLabelValues(source, label).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a token bucket wait.
func ObserveRateLimitDelay(bucket string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(bucket).Observe(duration.Seconds())
}

// ObserveListingSaved records a listing insert or update.
func ObserveListingSaved(source, op string) {
	listingsSavedTotal.WithLabelValues(source, op).Inc()
}

// ObserveMeasures records measures written for a feature.
func ObserveMeasures(feature string, n int) {
	measuresWrittenTotal.WithLabelValues(feature).Add(float64(n))
}

// IncActiveWorkers increments the running worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the running worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
