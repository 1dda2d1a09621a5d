package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "webpilot"

// Metrics holds the Prometheus collectors for task loop activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	tasks            *prometheus.CounterVec
	tasksActive      prometheus.Gauge
	taskDuration     prometheus.Histogram
	steps            *prometheus.CounterVec
	stepErrors       prometheus.Counter
	decisionDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_total",
			Help:      "Finished task sessions by outcome.",
		}, []string{"outcome"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_active",
			Help:      "Task sessions currently running.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of finished task sessions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_total",
			Help:      "Executed steps by action type.",
		}, []string{"action"}),
		stepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_errors_total",
			Help:      "Steps whose action failed.",
		}),
		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "decision_duration_seconds",
			Help:      "Latency of decision service round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{m.tasks, m.tasksActive, m.taskDuration, m.steps, m.stepErrors, m.decisionDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TaskStarted marks a task session as running.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records the outcome of a task session.
func (m *Metrics) TaskFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasks.WithLabelValues(outcome).Inc()
	m.taskDuration.Observe(elapsed.Seconds())
}

// StepExecuted counts a step. failed marks a step whose action returned an error.
func (m *Metrics) StepExecuted(action string, failed bool) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(action).Inc()
	if failed {
		m.stepErrors.Inc()
	}
}

// ObserveDecision records one decision round trip.
func (m *Metrics) ObserveDecision(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.decisionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}
