// Package metrics exposes the engine's prometheus collectors on a private
// registry served at /metrics by the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups every reaper metric
type Collector struct {
	registry *prometheus.Registry

	projectsScheduled  prometheus.Gauge
	executionsRunning  prometheus.Gauge
	executionsTotal    *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	dispatchBlocked    prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	persistFailures    prometheus.Counter
	notificationsTotal *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		projectsScheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reaper_projects_scheduled",
			Help: "Projects waiting in the scheduler queue",
		}),
		executionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reaper_executions_running",
			Help: "Destroy executions currently running",
		}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaper_executions_total",
			Help: "Finished destroy attempts by final status",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reaper_execution_duration_seconds",
			Help:    "Wall time of destroy attempts",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
		dispatchBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_dispatch_blocked_total",
			Help: "Due projects held back by the concurrency cap",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaper_transitions_total",
			Help: "Project status transitions by target status",
		}, []string{"to"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_persist_failures_total",
			Help: "Failed repository writes that were queued for retry",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reaper_notifications_total",
			Help: "Notifications emitted by type",
		}, []string{"type"}),
	}

	c.registry.MustRegister(
		c.projectsScheduled,
		c.executionsRunning,
		c.executionsTotal,
		c.executionDuration,
		c.dispatchBlocked,
		c.transitionsTotal,
		c.persistFailures,
		c.notificationsTotal,
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry returns the private registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetScheduled records the queue length.
func (c *Collector) SetScheduled(n int) {
	if c == nil {
		return
	}
	c.projectsScheduled.Set(float64(n))
}

// SetRunning records the number of in-flight executions.
func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.executionsRunning.Set(float64(n))
}

// RecordExecution counts a finished attempt and observes its duration.
func (c *Collector) RecordExecution(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.Observe(d.Seconds())
}

// RecordBlocked counts a dispatch held back by the cap.
func (c *Collector) RecordBlocked() {
	if c == nil {
		return
	}
	c.dispatchBlocked.Inc()
}

// RecordTransition counts a status change.
func (c *Collector) RecordTransition(to string) {
	if c == nil {
		return
	}
	c.transitionsTotal.WithLabelValues(to).Inc()
}

// RecordPersistFailure counts a repository write queued for retry.
func (c *Collector) RecordPersistFailure() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

// RecordNotification counts an emitted notification.
func (c *Collector) RecordNotification(kind string) {
	if c == nil {
		return
	}
	c.notificationsTotal.WithLabelValues(kind).Inc()
}
