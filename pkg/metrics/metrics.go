// Package metrics exposes job lifecycle counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records job lifecycle metrics.
type Collector struct {
	// job metrics
	transitions *prometheus.CounterVec
	failures    prometheus.Counter
	running     prometheus.Gauge

	// orchestrator metrics
	queueDepth    prometheus.Gauge
	sweepDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh registry, which keeps tests and multiple services in one
// process from colliding.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webjobd_job_transitions_total",
			Help: "Job state transitions by source and destination state",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webjobd_job_failures_total",
			Help: "Total number of jobs moved to FAILED",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webjobd_jobs_running",
			Help: "Jobs in the RUNNING state at the last incoming sweep",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webjobd_event_queue_depth",
			Help: "Events waiting for the dispatcher",
		}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webjobd_sweep_duration_seconds",
			Help:    "Duration of orchestrator sweeps",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
	}

	reg.MustRegister(c.transitions, c.failures, c.running, c.queueDepth, c.sweepDuration)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordTransition counts one state change.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
	if to == "FAILED" {
		c.failures.Inc()
	}
}

// SetRunning records the number of running jobs.
func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.running.Set(float64(n))
}

// SetQueueDepth records the event queue length.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// ObserveSweep records how long a sweep took.
func (c *Collector) ObserveSweep(sweep string, d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
