// Package metrics exposes run, step and HTTP measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "leadflow"

// Collector implements engine.Observer on its own registry.
type Collector struct {
	registry *prometheus.Registry

	stepCalls    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepsActive  *prometheus.GaugeVec
	circuitOpens *prometheus.CounterVec

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runResults  prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with a fresh registry. The registry also
// carries the Go runtime and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		stepCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_calls_total",
			Help:      "Step invocations by step key and outcome.",
		}, []string{"step", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step invocation latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"step"}),
		stepsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Step invocations currently executing.",
		}, []string{"step"}),
		circuitOpens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open_total",
			Help:      "Times a step circuit breaker opened.",
		}, []string{"step"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by final status.",
		}, []string{"status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		runResults: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_results",
			Help:      "Qualified leads per finished run.",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) StepStarted(stepKey string) {
	c.stepsActive.WithLabelValues(stepKey).Inc()
}

func (c *Collector) StepFinished(stepKey string, elapsed time.Duration, err error) {
	c.stepsActive.WithLabelValues(stepKey).Dec()
	c.stepDuration.WithLabelValues(stepKey).Observe(elapsed.Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		if code := schema.CodeOf(err); code != "" {
			status = code
		}
	}
	c.stepCalls.WithLabelValues(stepKey, status).Inc()
}

func (c *Collector) CircuitOpened(stepKey string) {
	c.circuitOpens.WithLabelValues(stepKey).Inc()
}

func (c *Collector) RunFinished(status schema.RunStatus, elapsed time.Duration, results int) {
	c.runsTotal.WithLabelValues(string(status)).Inc()
	c.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	c.runResults.Observe(float64(results))
}

// ObserveHTTP records one served request. route is the matched route pattern,
// not the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

var _ engine.Observer = (*Collector)(nil)
