package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the trace module.
type Metrics struct {
	// Trace ingests by risk level
	TracesCreated *prometheus.CounterVec

	// Review note appends
	Annotations prometheus.Counter

	// Integrity verification outcomes: "valid", "tampered"
	Verifications *prometheus.CounterVec

	// Best-effort index writes that failed and were swallowed
	IndexWriteFailures *prometheus.CounterVec

	// Searches answered by the primary store because the index was down
	SearchFallbacks prometheus.Counter

	// Latencies of the core operations
	OperationLatency *prometheus.HistogramVec
}

// New creates a new Metrics instance with all trace module metrics registered.
func New() *Metrics {
	return &Metrics{
		TracesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritrace_traces_created_total",
			Help: "Total decision traces ingested by risk level",
		}, []string{"risk_level"}),

		Annotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritrace_annotations_total",
			Help: "Total review notes appended to traces",
		}),

		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritrace_verifications_total",
			Help: "Total integrity verifications by outcome",
		}, []string{"outcome"}), // outcome: "valid", "tampered"

		IndexWriteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veritrace_index_write_failures_total",
			Help: "Search index writes that failed and were swallowed, by operation",
		}, []string{"operation"}), // operation: "index", "update_notes"

		SearchFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veritrace_search_fallbacks_total",
			Help: "Searches served from the primary store because the index was unavailable",
		}),

		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veritrace_operation_duration_seconds",
			Help:    "Duration of trace operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
	}
}

// IncrementTraceCreated records a successful trace ingest.
func (m *Metrics) IncrementTraceCreated(riskLevel string) {
	if m != nil {
		m.TracesCreated.WithLabelValues(riskLevel).Inc()
	}
}

// IncrementAnnotation records an appended review note.
func (m *Metrics) IncrementAnnotation() {
	if m != nil {
		m.Annotations.Inc()
	}
}

// IncrementVerification records an integrity verification outcome.
func (m *Metrics) IncrementVerification(valid bool) {
	if m != nil {
		outcome := "valid"
		if !valid {
			outcome = "tampered"
		}
		m.Verifications.WithLabelValues(outcome).Inc()
	}
}

// IncrementIndexWriteFailure records a swallowed index write error.
func (m *Metrics) IncrementIndexWriteFailure(operation string) {
	if m != nil {
		m.IndexWriteFailures.WithLabelValues(operation).Inc()
	}
}

// IncrementSearchFallback records a search served from the primary store.
func (m *Metrics) IncrementSearchFallback() {
	if m != nil {
		m.SearchFallbacks.Inc()
	}
}

// ObserveOperation records the duration of one trace operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	if m != nil {
		m.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
