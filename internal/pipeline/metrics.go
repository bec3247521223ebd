package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the query pipeline.
//
// All metrics are prefixed with "pipeline_" for namespacing:
//   - pipeline_stage_duration_seconds{stage} - per-stage latency
//   - pipeline_fallbacks_total{stage} - degraded-stage occurrences
//   - pipeline_queries_total{outcome} - answered / no_information / error
type Metrics struct {
	StageDuration  *prometheus.HistogramVec
	FallbacksTotal *prometheus.CounterVec
	QueriesTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics on reg. Pass a fresh
// registry in tests to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of pipeline stage execution in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_fallbacks_total",
				Help: "Total number of degraded stage executions",
			},
			[]string{"stage"},
		),
		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_queries_total",
				Help: "Total number of processed queries by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Outcome label values for QueriesTotal.
const (
	OutcomeAnswered      = "answered"
	OutcomeNoInformation = "no_information"
	OutcomeError         = "error"
)

func (m *Metrics) observeStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) recordFallback(stage string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) recordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(outcome).Inc()
}
