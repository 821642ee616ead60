package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by route pattern rather than raw path.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New so that tests can inject a fresh
// prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// askRequestsTotal counts /ask requests by mode (json, stream) and outcome.
	askRequestsTotal *prometheus.CounterVec

	// askDurationSeconds records /ask latency up to the last byte of the answer.
	askDurationSeconds *prometheus.HistogramVec

	// askActiveStreams is the number of streamed answers currently open.
	askActiveStreams prometheus.Gauge

	// rebuildsTotal counts HTTP-triggered index rebuilds by outcome.
	rebuildsTotal *prometheus.CounterVec

	// rateLimitedTotal counts requests rejected with 429 by route class.
	rateLimitedTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		askRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Total number of /ask requests completed, partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),

		askDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aurora",
			Subsystem: "ask",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /ask requests from receipt to the last answer byte.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),

		askActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aurora",
			Subsystem: "ask",
			Name:      "active_streams",
			Help:      "Number of streamed /ask answers currently open.",
		}),

		rebuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "admin",
			Name:      "rebuilds_total",
			Help:      "Total number of index rebuilds triggered over HTTP, partitioned by outcome.",
		}, []string{"outcome"}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the per-IP rate limiter, partitioned by route.",
		}, []string{"route"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aurora",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// observeAsk records one finished /ask request.
func (m *serverMetrics) observeAsk(mode, outcome string, start time.Time) {
	m.askRequestsTotal.WithLabelValues(mode, outcome).Inc()
	m.askDurationSeconds.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// observeRateLimited records one 429 for route.
func (m *serverMetrics) observeRateLimited(route string) {
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}

// instrument records request count and latency for every request reaching
// mux. The mux stores the matched pattern on the request it was handed, so
// the label is read after it returns.
func (m *serverMetrics) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrapResponseWriter(w)
		start := time.Now()
		mux.ServeHTTP(rw, r)

		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(rw.status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
