package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom serval Prometheus metrics. Uses an isolated
// prometheus.Registry so agent metrics don't collide with the global
// default registry; each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Front door
	HTTPRequestsTotal           *prometheus.CounterVec
	HTTPRequestDurationSeconds  *prometheus.HistogramVec

	// Relay middleware
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyErrorsTotal   *prometheus.CounterVec

	// Scheduler
	JobsEnqueuedTotal  prometheus.Counter
	JobsClaimedTotal   prometheus.Counter
	JobsCompletedTotal *prometheus.CounterVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. version and goVersion are recorded as labels on the
// serval_info gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serval_http_requests_total",
				Help: "Total number of HTTP requests handled by the front door.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serval_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		ProxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serval_proxy_requests_total",
				Help: "Total number of requests relayed to a role-capable peer.",
			},
			[]string{"role", "path"},
		),
		ProxyErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serval_proxy_errors_total",
				Help: "Total number of relay failures by reason.",
			},
			[]string{"reason"},
		),

		JobsEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serval_jobs_enqueued_total",
			Help: "Total number of jobs accepted by the scheduler.",
		}),
		JobsClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serval_jobs_claimed_total",
			Help: "Total number of jobs handed to runners.",
		}),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serval_jobs_completed_total",
				Help: "Total number of jobs reaching a terminal status.",
			},
			[]string{"status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "serval_info",
				Help: "Build information for the running serval agent.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.ProxyRequestsTotal,
		m.ProxyErrorsTotal,
		m.JobsEnqueuedTotal,
		m.JobsClaimedTotal,
		m.JobsCompletedTotal,
		m.BuildInfo,
	)

	// Always 1; the labels carry the data.
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the Prometheus exposition
// endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
