package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for recipient evaluations.
type Metrics struct {
	// Decisions by result reason and source (policy, cache, live)
	Decisions *prometheus.CounterVec

	// Full evaluation latency including cache and probe
	EvaluateLatency prometheus.Histogram

	// Number of managed domains in the current routes table
	Routes prometheus.Gauge
}

// New creates a Metrics instance registered on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rcptprobe_decisions_total",
			Help: "Recipient decisions by reason and source",
		}, []string{"reason", "source"}),

		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rcptprobe_evaluate_duration_seconds",
			Help:    "Duration of recipient evaluations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),

		Routes: f.NewGauge(prometheus.GaugeOpts{
			Name: "rcptprobe_routes",
			Help: "Number of managed recipient domains",
		}),
	}
}

// IncrementDecision records a decision.
func (m *Metrics) IncrementDecision(reason, source string) {
	if m != nil {
		m.Decisions.WithLabelValues(reason, source).Inc()
	}
}

// ObserveEvaluateLatency records the duration of one evaluation.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// SetRoutes records the size of the routes table.
func (m *Metrics) SetRoutes(n int) {
	if m != nil {
		m.Routes.Set(float64(n))
	}
}
