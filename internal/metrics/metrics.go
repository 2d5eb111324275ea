package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "runs"

var (
	RunsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Total number of run dispatches, labeled by runtime and mode (single or batch).",
		},
		[]string{"runtime", "mode"},
	)

	RunsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finished_total",
			Help:      "Total number of finished runs and child runs, labeled by final state.",
		},
		[]string{"runtime", "state"},
	)

	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Wall time of a single run or child run execution.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"runtime", "state"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of child runs generated per batch dispatch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"runtime"},
	)

	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Total number of failed run DB or scratch file writes.",
		},
		[]string{"op"},
	)

	FunctionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_requests_total",
			Help:      "Requests served by the function host, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsDispatchedTotal,
		RunsFinishedTotal,
		RunDurationSeconds,
		BatchSize,
		StorageErrorsTotal,
		FunctionRequestsTotal,
	)
}

// ObserveRun records the outcome of one execution.
func ObserveRun(runtime string, state string, seconds float64) {
	RunsFinishedTotal.WithLabelValues(runtime, state).Inc()
	RunDurationSeconds.WithLabelValues(runtime, state).Observe(seconds)
}
