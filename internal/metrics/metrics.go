package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's prometheus collectors
type Metrics struct {
	JobsTotal        *prometheus.CounterVec
	JobStepFailures  *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	AllocatedTenants *prometheus.GaugeVec
	ProbesTotal      *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	BackupsTotal     *prometheus.CounterVec
	SyncsTotal       *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers and returns the orchestrator metrics
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_provisioning_jobs_total",
			Help: "Provisioning jobs by terminal status",
		}, []string{"status"}),
		JobStepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_provisioning_step_failures_total",
			Help: "Provisioning step failures by step name",
		}, []string{"step"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_provisioning_job_duration_seconds",
			Help:    "Wall time of provisioning jobs",
			Buckets: prometheus.ExponentialBuckets(10, 2, 8),
		}),
		AllocatedTenants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_allocated_tenants",
			Help: "Tenants allocated per server",
		}, []string{"server"}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_monitoring_probes_total",
			Help: "Health probes by outcome",
		}, []string{"outcome"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_alerts_total",
			Help: "Alerts emitted by type",
		}, []string{"type"}),
		BackupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_backup_jobs_total",
			Help: "Backup and restore jobs by kind and terminal status",
		}, []string{"kind", "status"}),
		SyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_staging_syncs_total",
			Help: "Staging syncs by kind and terminal status",
		}, []string{"kind", "status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Middleware records request counts and latency per route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		m.HTTPRequests.WithLabelValues(c.Request.Method, route,
			strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).
			Observe(time.Since(start).Seconds())
	}
}
