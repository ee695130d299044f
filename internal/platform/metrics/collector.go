// Package metrics exposes Prometheus instrumentation for sandbox executions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goxec"

// Collector records execution metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	interactiveActive  prometheus.Gauge
	jobsProcessedTotal *prometheus.CounterVec
	cleanupFailures    *prometheus.CounterVec
}

// NewCollector creates a collector backed by its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of sandbox executions by outcome",
		}, []string{"language", "mode", "status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of sandbox sessions in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13},
		}, []string{"language", "mode"}),
		interactiveActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interactive_sessions_active",
			Help:      "Number of interactive sessions currently running",
		}),
		jobsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_processed_total",
			Help:      "Queue messages handled by the worker, by outcome",
		}, []string{"outcome"}),
		cleanupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Swallowed failures while stopping or removing containers",
		}, []string{"operation"}),
	}
}

// ObserveExecution records one finished session.
func (c *Collector) ObserveExecution(language, mode, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(language, mode, status).Inc()
	c.executionDuration.WithLabelValues(language, mode).Observe(elapsed.Seconds())
}

// InteractiveStarted increments the active interactive session gauge and returns its decrement.
func (c *Collector) InteractiveStarted() func() {
	if c == nil {
		return func() {}
	}
	c.interactiveActive.Inc()
	return c.interactiveActive.Dec
}

// JobProcessed counts a queue message by outcome ("published", "dropped", "publish_failed").
func (c *Collector) JobProcessed(outcome string) {
	if c == nil {
		return
	}
	c.jobsProcessedTotal.WithLabelValues(outcome).Inc()
}

// CleanupFailed counts a swallowed stop/remove failure.
func (c *Collector) CleanupFailed(operation string) {
	if c == nil {
		return
	}
	c.cleanupFailures.WithLabelValues(operation).Inc()
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
