package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics holds the Prometheus metrics owned by the Engine. A fresh
// registry can be injected through Config.Registerer so tests stay hermetic.
type engineMetrics struct {
	// buildsTotal counts index builds, partitioned by outcome: "ok" or "error".
	buildsTotal *prometheus.CounterVec

	// buildDurationSeconds records fetch + embed + save time of each build.
	buildDurationSeconds prometheus.Histogram

	// initTotal counts startup decisions, partitioned by path: "reused" or "built".
	initTotal *prometheus.CounterVec

	// queriesTotal counts Retrieve calls, partitioned by outcome:
	// "ok", "unavailable" or "error".
	queriesTotal *prometheus.CounterVec

	// queryDurationSeconds records the latency of Retrieve including the
	// question embedding call.
	queryDurationSeconds prometheus.Histogram

	// indexEntries is the number of entries in the active index.
	indexEntries prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)

	return &engineMetrics{
		buildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "retrieval",
			Name:      "builds_total",
			Help:      "Total number of index builds, partitioned by outcome.",
		}, []string{"outcome"}),

		buildDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aurora",
			Subsystem: "retrieval",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of index builds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
		}),

		initTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "retrieval",
			Name:      "init_total",
			Help:      "Startup reuse-or-build decisions, partitioned by path.",
		}, []string{"path"}),

		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aurora",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Total number of retrieval queries, partitioned by outcome.",
		}, []string{"outcome"}),

		queryDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aurora",
			Subsystem: "retrieval",
			Name:      "query_duration_seconds",
			Help:      "Latency of retrieval queries including the question embedding call.",
			Buckets:   prometheus.DefBuckets,
		}),

		indexEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aurora",
			Subsystem: "retrieval",
			Name:      "index_entries",
			Help:      "Number of entries in the active index.",
		}),
	}
}
