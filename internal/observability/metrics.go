// Package observability exposes the gateway's Prometheus metrics and the
// optional OTLP trace exporter.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	servicesTotal       prometheus.Gauge
	servicesEnabled     prometheus.Gauge
	servicesQuarantined prometheus.Gauge
	healthStateChanges  *prometheus.CounterVec
	probeDuration       *prometheus.HistogramVec

	validateDecisions *prometheus.CounterVec
	validateDuration  prometheus.Histogram
	loginAttempts     *prometheus.CounterVec
	tokensVended      prometheus.Counter

	indexServices  prometheus.Gauge
	indexTools     prometheus.Gauge
	indexRebuilds  *prometheus.CounterVec
	rebuildLatency prometheus.Histogram

	scopeWrites  *prometheus.CounterVec
	proxyReloads *prometheus.CounterVec
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics
func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_uptime_seconds",
		Help: "Time since the gateway started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgw_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.servicesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_services_total",
		Help: "Total number of registered services",
	})

	mm.servicesEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_services_enabled",
		Help: "Number of enabled services",
	})

	mm.servicesQuarantined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_services_quarantined",
		Help: "Number of service record files quarantined at load",
	})

	mm.healthStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_health_state_changes_total",
			Help: "Total number of service health transitions",
		},
		[]string{"service", "from_state", "to_state"},
	)

	mm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgw_probe_duration_seconds",
			Help:    "Health probe duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"service", "result"},
	)

	mm.validateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_validate_decisions_total",
			Help: "Total number of /validate decisions",
		},
		[]string{"decision", "reason"},
	)

	mm.validateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpgw_validate_duration_seconds",
			Help:    "Time taken to answer /validate",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5},
		},
	)

	mm.loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_login_attempts_total",
			Help: "Total number of browser login completions",
		},
		[]string{"provider", "result"},
	)

	mm.tokensVended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcpgw_tokens_vended_total",
		Help: "Total number of vended tokens issued",
	})

	mm.indexServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_index_services",
		Help: "Number of services in the current tool index",
	})

	mm.indexTools = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_index_tools",
		Help: "Number of tools in the current tool index",
	})

	mm.indexRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_index_rebuilds_total",
			Help: "Total number of tool index rebuilds",
		},
		[]string{"result"},
	)

	mm.rebuildLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpgw_index_rebuild_duration_seconds",
			Help:    "Time taken to complete a tool index rebuild",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	mm.scopeWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_scope_writes_total",
			Help: "Total number of scope policy writes",
		},
		[]string{"status"},
	)

	mm.proxyReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_proxy_reloads_total",
			Help: "Total number of reverse-proxy fragment rewrites",
		},
		[]string{"status"},
	)
}

// registerMetrics registers all metrics with the registry
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.servicesTotal,
		mm.servicesEnabled,
		mm.servicesQuarantined,
		mm.healthStateChanges,
		mm.probeDuration,
		mm.validateDecisions,
		mm.validateDuration,
		mm.loginAttempts,
		mm.tokensVended,
		mm.indexServices,
		mm.indexTools,
		mm.indexRebuilds,
		mm.rebuildLatency,
		mm.scopeWrites,
		mm.proxyReloads,
	)

	// Also register Go runtime metrics
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetServiceStats updates service-related gauges
func (mm *MetricsManager) SetServiceStats(total, enabled, quarantined int) {
	mm.servicesTotal.Set(float64(total))
	mm.servicesEnabled.Set(float64(enabled))
	mm.servicesQuarantined.Set(float64(quarantined))
}

// RecordHealthStateChange records a service health transition
func (mm *MetricsManager) RecordHealthStateChange(service, fromState, toState string) {
	mm.healthStateChanges.WithLabelValues(service, fromState, toState).Inc()
}

// RecordProbe records a health probe outcome
func (mm *MetricsManager) RecordProbe(service, result string, duration time.Duration) {
	mm.probeDuration.WithLabelValues(service, result).Observe(duration.Seconds())
}

// RecordValidateDecision records one /validate answer
func (mm *MetricsManager) RecordValidateDecision(decision, reason string, duration time.Duration) {
	mm.validateDecisions.WithLabelValues(decision, reason).Inc()
	mm.validateDuration.Observe(duration.Seconds())
}

// RecordLogin records a browser login completion
func (mm *MetricsManager) RecordLogin(provider, result string) {
	mm.loginAttempts.WithLabelValues(provider, result).Inc()
}

// RecordTokenVended counts an issued vended token
func (mm *MetricsManager) RecordTokenVended() {
	mm.tokensVended.Inc()
}

// SetIndexStats updates the tool index gauges
func (mm *MetricsManager) SetIndexStats(services, tools int) {
	mm.indexServices.Set(float64(services))
	mm.indexTools.Set(float64(tools))
}

// RecordIndexRebuild records a rebuild cycle
func (mm *MetricsManager) RecordIndexRebuild(result string, duration time.Duration) {
	mm.indexRebuilds.WithLabelValues(result).Inc()
	mm.rebuildLatency.Observe(duration.Seconds())
}

// RecordScopeWrite records a scope policy persistence attempt
func (mm *MetricsManager) RecordScopeWrite(status string) {
	mm.scopeWrites.WithLabelValues(status).Inc()
}

// RecordProxyReload records a fragment rewrite
func (mm *MetricsManager) RecordProxyReload(status string) {
	mm.proxyReloads.WithLabelValues(status).Inc()
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), duration)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
