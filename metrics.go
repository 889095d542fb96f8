package saga

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SagaStarts   prometheus.Counter
	SagaFinishes *prometheus.CounterVec
	SagaRetries  prometheus.Counter
	SagaDuration prometheus.Histogram
	StepStarts   *prometheus.CounterVec
	StepFinishes *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepRetries  prometheus.Counter
}

// NewMetrics creates the engine collectors under namespace and registers them
// with reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SagaStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "starts_total",
			Help:      "Total number of saga processing attempts started",
		}),
		SagaFinishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "finishes_total",
			Help:      "Total number of sagas finished, by outcome",
		}, []string{"outcome"}),
		SagaRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "retries_total",
			Help:      "Total number of saga re-drives after a retryable failure",
		}),
		SagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "duration_seconds",
			Help:      "Duration of saga processing in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		StepStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga_step",
			Name:      "starts_total",
			Help:      "Total number of step invocations",
		}, []string{"step", "retry"}),
		StepFinishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga_step",
			Name:      "finishes_total",
			Help:      "Total number of step invocations finished, by outcome",
		}, []string{"step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga_step",
			Name:      "duration_seconds",
			Help:      "Duration of step invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga_step",
			Name:      "retries_total",
			Help:      "Total number of step invocations that were retries",
		}),
	}

	reg.MustRegister(
		m.SagaStarts, m.SagaFinishes, m.SagaRetries, m.SagaDuration,
		m.StepStarts, m.StepFinishes, m.StepDuration, m.StepRetries,
	)
	return m
}

func (m *Metrics) sagaStarted() {
	if m == nil {
		return
	}
	m.SagaStarts.Inc()
}

func (m *Metrics) sagaRetried() {
	if m == nil {
		return
	}
	m.SagaRetries.Inc()
}

func (m *Metrics) sagaFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SagaFinishes.WithLabelValues(outcome).Inc()
	m.SagaDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) stepStarted(step *Step) {
	if m == nil {
		return
	}
	retry := step.Attempt > 0
	m.StepStarts.WithLabelValues(step.ID, strconv.FormatBool(retry)).Inc()
	if retry {
		m.StepRetries.Inc()
	}
}

func (m *Metrics) stepFinished(step *Step, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StepFinishes.WithLabelValues(step.ID, outcome).Inc()
	m.StepDuration.WithLabelValues(step.ID).Observe(elapsed.Seconds())
}
