package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rulesift/rulesift/eval"
)

// Metrics holds Prometheus collectors for evaluation and rule operations.
// A nil *Metrics records nothing.
type Metrics struct {
	evaluations        *prometheus.CounterVec // status: ok, fetch_error, rejected
	recordsScanned     prometheus.Counter
	recordsMatched     prometheus.Counter
	diagnostics        *prometheus.CounterVec // kind
	evaluationDuration prometheus.Histogram
	ruleOperations     *prometheus.CounterVec // operation, result
	sinkErrors         *prometheus.CounterVec // sink
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesift",
			Subsystem: "evaluator",
			Name:      "evaluations_total",
			Help:      "Total number of rule evaluations",
		}, []string{"status"}),

		recordsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulesift",
			Subsystem: "evaluator",
			Name:      "records_scanned_total",
			Help:      "Total number of records evaluated",
		}),

		recordsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulesift",
			Subsystem: "evaluator",
			Name:      "records_matched_total",
			Help:      "Total number of records that satisfied a rule",
		}),

		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesift",
			Subsystem: "evaluator",
			Name:      "diagnostics_total",
			Help:      "Total number of evaluation diagnostics",
		}, []string{"kind"}),

		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rulesift",
			Subsystem: "evaluator",
			Name:      "evaluation_duration_seconds",
			Help:      "Rule evaluation duration in seconds, fetch included",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		ruleOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesift",
			Subsystem: "rules",
			Name:      "operations_total",
			Help:      "Total number of rule store operations",
		}, []string{"operation", "result"}),

		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesift",
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Total number of evaluation events that failed to publish",
		}, []string{"sink"}),
	}

	for _, c := range []prometheus.Collector{
		m.evaluations,
		m.recordsScanned,
		m.recordsMatched,
		m.diagnostics,
		m.evaluationDuration,
		m.ruleOperations,
		m.sinkErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) recordEvaluation(res eval.Result, duration time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues("ok").Inc()
	m.recordsScanned.Add(float64(res.Scanned))
	m.recordsMatched.Add(float64(len(res.Matches)))
	for _, d := range res.Diagnostics {
		m.diagnostics.WithLabelValues(string(d.Kind)).Inc()
	}
	m.evaluationDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordFailure(status string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(status).Inc()
}

func (m *Metrics) recordRuleOperation(operation, result string) {
	if m == nil {
		return
	}
	m.ruleOperations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) recordSinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}
