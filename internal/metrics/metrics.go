// Package metrics collects the counters and gauges the scheduler core
// exposes per §6 of the specification: missing host attributes seen by the
// preemption filter, the depth of the transactional work queue, and the
// per-job-per-status task population histogram. Modelled on the teacher's
// internal/scheduler/metrics package (prometheus.Collector backed by a
// struct-of-vectors, "armada_scheduler_" style prefix).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const prefix = "taskscheduler_"

// Metrics is the scheduler core's prometheus.Collector.
type Metrics struct {
	missingHostAttributes prometheus.Counter
	workQueueDepth        prometheus.Gauge
	taskCount             *prometheus.GaugeVec
}

// New builds a fresh Metrics instance. It is not automatically registered
// with any registry; callers register it the way the teacher's cmd/
// binaries register their top-level Metrics struct.
func New() *Metrics {
	return &Metrics{
		missingHostAttributes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "preemption_missing_host_attributes_total",
			Help: "Number of times the preemption filter could not find host attributes for a candidate host.",
		}),
		workQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "work_queue_depth",
			Help: "Number of work commands currently queued inside the active transaction.",
		}),
		taskCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "task_count",
			Help: "Number of tasks per job key and schedule status.",
		}, []string{"job_key", "status"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.missingHostAttributes.Describe(ch)
	m.workQueueDepth.Describe(ch)
	m.taskCount.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.missingHostAttributes.Collect(ch)
	m.workQueueDepth.Collect(ch)
	m.taskCount.Collect(ch)
}

// RecordMissingHostAttributes increments the missing-host-attributes
// counter (§4.2 step 6: "if unknown, record a metric and fail").
func (m *Metrics) RecordMissingHostAttributes() {
	m.missingHostAttributes.Inc()
}

// SetWorkQueueDepth reports the current depth of the transactional work
// queue; the envelope calls this immediately before and after draining.
func (m *Metrics) SetWorkQueueDepth(depth int) {
	m.workQueueDepth.Set(float64(depth))
}

// SetTaskCount sets the population of jobKey/status to count, the exact
// histogram invariant described in §3 ("counters are the exact histogram
// of live task statuses per job").
func (m *Metrics) SetTaskCount(jobKey, status string, count float64) {
	m.taskCount.WithLabelValues(jobKey, status).Set(count)
}
