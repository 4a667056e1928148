// Package metrics implements lib/task.Reporter with Prometheus vectors,
// using promauto to register series against a Registerer. Each series is
// labelled by function name since the broker tracks many functions at once.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jobbroker"

// PrometheusReporter implements lib/task.Reporter by observing into a set
// of per-function Prometheus vectors.
type PrometheusReporter struct {
	queueDepth  *prometheus.GaugeVec
	running     *prometheus.GaugeVec
	workers     *prometheus.GaugeVec
	submitted   *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	completed   *prometheus.CounterVec
}

// NewPrometheusReporter registers the broker's metric series against reg
// and returns a Reporter that observes into them. Pass prometheus.NewRegistry()
// for isolated tests, or prometheus.DefaultRegisterer in production.
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	factory := promauto.With(reg)
	return &PrometheusReporter{
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued (not yet running) jobs for a function.",
		}, []string{"function"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Current number of jobs dispatched to a worker but not yet completed, per function.",
		}, []string{"function"}),
		workers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_workers",
			Help:      "Current number of connections advertising CAN_DO for a function.",
		}, []string{"function"}),
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted, by function and priority.",
		}, []string{"function", "priority"}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs handed to a worker via GRAB_JOB, by function.",
		}, []string{"function"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that stopped running, by function and outcome (complete, fail, timeout).",
		}, []string{"function", "outcome"}),
	}
}

func (r *PrometheusReporter) ObserveQueueDepth(function string, depth int) {
	r.queueDepth.WithLabelValues(function).Set(float64(depth))
}

func (r *PrometheusReporter) ObserveRunning(function string, running int) {
	r.running.WithLabelValues(function).Set(float64(running))
}

func (r *PrometheusReporter) ObserveWorkers(function string, workers int) {
	r.workers.WithLabelValues(function).Set(float64(workers))
}

func (r *PrometheusReporter) CountSubmitted(function string, highPriority bool) {
	priority := "normal"
	if highPriority {
		priority = "high"
	}
	r.submitted.WithLabelValues(function, priority).Inc()
}

func (r *PrometheusReporter) CountDispatched(function string) {
	r.dispatched.WithLabelValues(function).Inc()
}

func (r *PrometheusReporter) CountCompleted(function string, outcome string) {
	r.completed.WithLabelValues(function, outcome).Inc()
}
