// Package metrics holds the Prometheus collectors the service exports on /metrics.
//
// Collectors are registered on a caller-supplied registry instead of the
// global default, so each test can build its own Metrics without
// "duplicate registration" panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsInFlight    prometheus.Gauge
	CleanupFailures *prometheus.CounterVec
	UnitsReaped     prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "code_exec_jobs_total",
			Help: "Execution jobs by language and outcome.",
		}, []string{"language", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "code_exec_job_duration_seconds",
			Help:    "Wall-clock time of a job from provisioning to cleanup.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"language"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "code_exec_jobs_in_flight",
			Help: "Jobs currently between provisioning and cleanup.",
		}),
		CleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "code_exec_cleanup_failures_total",
			Help: "Failed removals of job resources.",
		}, []string{"resource"}),
		UnitsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "code_exec_units_reaped_total",
			Help: "Leaked execution units removed by the reaper.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "code_exec_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "code_exec_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.JobsInFlight,
		m.CleanupFailures,
		m.UnitsReaped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobStarted increments the in-flight gauge.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobFinished records a job's outcome and duration and decrements the
// in-flight gauge.
func (m *Metrics) JobFinished(language, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsTotal.WithLabelValues(language, outcome).Inc()
	m.JobDuration.WithLabelValues(language).Observe(seconds)
}

// CleanupFailed counts a failed removal of resource ("unit", "workspace", "kill").
func (m *Metrics) CleanupFailed(resource string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(resource).Inc()
}

// Reaped counts n units removed by the reaper.
func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnitsReaped.Add(float64(n))
}
