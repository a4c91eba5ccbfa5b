package metrics

import "github.com/prometheus/client_golang/prometheus"

// Search engine and lifecycle metrics.
var (
	EngineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amcat",
			Name:      "engine_requests_total",
			Help:      "Total number of search engine calls after retries",
		},
		[]string{"op", "status"},
	)

	EngineRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "amcat",
			Name:      "engine_request_duration_seconds",
			Help:      "Search engine call duration in seconds, retries included",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	EngineRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amcat",
			Name:      "engine_retries_total",
			Help:      "Retries caused by an unavailable search engine",
		},
		[]string{"op"},
	)

	LifecycleStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amcat",
			Name:      "lifecycle_steps_total",
			Help:      "Index lifecycle steps by sequence, step and outcome",
		},
		[]string{"sequence", "step", "status"},
	)

	DocumentsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amcat",
			Name:      "documents_written_total",
			Help:      "Documents processed by bulk uploads",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(EngineRequestsTotal)
	prometheus.MustRegister(EngineRequestDuration)
	prometheus.MustRegister(EngineRetriesTotal)
	prometheus.MustRegister(LifecycleStepsTotal)
	prometheus.MustRegister(DocumentsWrittenTotal)
}
