package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes engine counters to Prometheus.
type Metrics struct {
	ticks        *prometheus.CounterVec
	stepLatency  *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	active       prometheus.Gauge
	pipeFailures prometheus.Counter
}

// NewMetrics registers the engine's collectors with reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "ticks_total",
			Help:      "Engine ticks by step outcome.",
		}, []string{"outcome"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "step_latency_ms",
			Help:      "Handler execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"step_type"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "retries_total",
			Help:      "Retry waits scheduled, by error code.",
		}, []string{"code"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepflow",
			Name:      "active_executions",
			Help:      "Executions currently pending, running or waiting.",
		}),
		pipeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "pipe_failures_total",
			Help:      "Pipe writes that failed against the table store.",
		}),
	}
}

func (m *Metrics) tick(outcome Outcome) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeStep(stepType string, durationMS int64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(stepType).Observe(float64(durationMS))
}

func (m *Metrics) retry(code string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(code).Inc()
}

func (m *Metrics) executionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) executionFinished() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) pipeFailed() {
	if m == nil {
		return
	}
	m.pipeFailures.Inc()
}
