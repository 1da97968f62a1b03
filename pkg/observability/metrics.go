package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication
	LoginsTotal *prometheus.CounterVec

	// Directory sync
	SyncRunsTotal  *prometheus.CounterVec
	SyncUsersTotal *prometheus.CounterVec
	SyncDuration   prometheus.Histogram

	// Tenants
	TenantProvisioningTotal    *prometheus.CounterVec
	TenantProvisioningDuration prometheus.Histogram

	// Permission override cache
	PermissionCacheLookups *prometheus.CounterVec

	// Audit sink
	AuditEntriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_logins_total",
				Help: "Login attempts by provider and result",
			},
			[]string{"provider", "result"},
		),
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_directory_sync_runs_total",
				Help: "Directory sync runs by result",
			},
			[]string{"result"},
		),
		SyncUsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_directory_sync_users_total",
				Help: "Directory users processed by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantgate_directory_sync_duration_seconds",
				Help:    "Directory sync run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		TenantProvisioningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_tenant_provisioning_total",
				Help: "Tenant provisioning attempts by result",
			},
			[]string{"result"},
		),
		TenantProvisioningDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantgate_tenant_provisioning_duration_seconds",
				Help:    "Tenant provisioning duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		PermissionCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_permission_cache_lookups_total",
				Help: "Permission override cache lookups by result",
			},
			[]string{"result"},
		),
		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_audit_entries_total",
				Help: "Audit entries by outcome (written, dropped, failed)",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.SyncRunsTotal,
		m.SyncUsersTotal,
		m.SyncDuration,
		m.TenantProvisioningTotal,
		m.TenantProvisioningDuration,
		m.PermissionCacheLookups,
		m.AuditEntriesTotal,
	)

	return m
}

// ObserveLogin counts a login attempt
func (m *Metrics) ObserveLogin(provider, result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(provider, result).Inc()
}

// ObserveSync records a finished sync run and its per-outcome counts
func (m *Metrics) ObserveSync(result string, duration time.Duration, outcomes map[string]int) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(duration.Seconds())
	for outcome, n := range outcomes {
		m.SyncUsersTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveProvisioning records a provisioning attempt
func (m *Metrics) ObserveProvisioning(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TenantProvisioningTotal.WithLabelValues(result).Inc()
	m.TenantProvisioningDuration.Observe(duration.Seconds())
}

// ObservePermissionCache counts a cache hit or miss
func (m *Metrics) ObservePermissionCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PermissionCacheLookups.WithLabelValues(result).Inc()
}

// ObserveAudit counts an audit entry outcome
func (m *Metrics) ObserveAudit(outcome string) {
	if m == nil {
		return
	}
	m.AuditEntriesTotal.WithLabelValues(outcome).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Routes are labelled by
// their mux template so path parameters do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
