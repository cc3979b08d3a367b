// Package metrics exposes the Prometheus counters, histograms, and gauges
// the batch image-generation engine reports on its /metrics endpoint: queue
// depth, task outcomes, pipeline step latency, and worker pool utilization.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors for one process. Each process
// (admin API, worker endpoint, or a combined binary) owns one instance.
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal          *prometheus.CounterVec
	taskFailuresByKind  *prometheus.CounterVec
	jobsTotal           *prometheus.CounterVec
	dispatchTotal       *prometheus.CounterVec
	pipelineStepSeconds *prometheus.HistogramVec
	queueDepth          prometheus.Gauge
	workerUtilization   prometheus.Gauge
}

// New constructs a Metrics instance with its own registry, so tests and
// multiple in-process instances never collide on Prometheus's default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imageforge_tasks_total",
			Help: "Total number of terminal task outcomes, by outcome (completed|failed).",
		}, []string{"outcome"}),
		taskFailuresByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imageforge_task_failures_total",
			Help: "Total number of failed task outcomes, by error kind.",
		}, []string{"kind"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imageforge_jobs_total",
			Help: "Total number of jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imageforge_dispatch_total",
			Help: "Total number of task dispatch attempts, by mode and result.",
		}, []string{"mode", "result"}),
		pipelineStepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imageforge_pipeline_step_seconds",
			Help:    "Duration of each task pipeline step in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"step"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imageforge_queue_depth",
			Help: "Number of tasks currently queued for dispatch (in-process mode).",
		}),
		workerUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imageforge_worker_pool_utilization",
			Help: "Fraction of the in-process worker pool currently busy, 0-1.",
		}),
	}

	reg.MustRegister(
		m.tasksTotal,
		m.taskFailuresByKind,
		m.jobsTotal,
		m.dispatchTotal,
		m.pipelineStepSeconds,
		m.queueDepth,
		m.workerUtilization,
	)
	return m
}

// Handler returns the Prometheus exposition-format HTTP handler for
// GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTaskOutcome records one terminal task outcome.
func (m *Metrics) ObserveTaskOutcome(outcome string, kind string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(outcome).Inc()
	if kind != "" {
		m.taskFailuresByKind.WithLabelValues(kind).Inc()
	}
}

// ObserveJobTerminal records one job reaching a terminal status.
func (m *Metrics) ObserveJobTerminal(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

// ObserveDispatch records one enqueue attempt.
func (m *Metrics) ObserveDispatch(mode, result string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(mode, result).Inc()
}

// ObservePipelineStep records the duration of one pipeline step.
func (m *Metrics) ObservePipelineStep(step string, seconds float64) {
	if m == nil {
		return
	}
	m.pipelineStepSeconds.WithLabelValues(step).Observe(seconds)
}

// SetQueueDepth reports the current in-process dispatch queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetWorkerUtilization reports the fraction of the in-process worker pool
// currently busy.
func (m *Metrics) SetWorkerUtilization(fraction float64) {
	if m == nil {
		return
	}
	m.workerUtilization.Set(fraction)
}
