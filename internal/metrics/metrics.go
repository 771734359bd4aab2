// Package metrics collects the Prometheus series the admin surface exports
// at /admin/metrics. The original loadbalancer registered its collectors
// with promauto against prometheus's global default registry, which panics
// if a second Metrics is ever constructed in the same process (duplicate
// registration). Each Metrics here owns a private prometheus.Registry
// instead, so callers - including tests - can build as many as they like.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector frontdoor exports.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       prometheus.Counter
	ResponseTime        prometheus.Histogram
	ActiveConnections   prometheus.Gauge
	BackendHealth       *prometheus.GaugeVec
	ErrorsTotal         prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
	RateLimitRejections *prometheus.CounterVec
	ACMEIssuancesTotal  *prometheus.CounterVec
}

// New builds a Metrics with a fresh, private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_requests_total",
			Help: "The total number of requests accepted.",
		}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "frontdoor_response_time_seconds",
			Help:    "Upstream response time distribution.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frontdoor_active_connections",
			Help: "The current number of open client connections.",
		}),
		BackendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frontdoor_backend_health",
			Help: "Health status of backends (1 for healthy, 0 for unhealthy).",
		}, []string{"backend_url"}),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdoor_errors_total",
			Help: "The total number of errors encountered.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frontdoor_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
		}, []string{"backend_url"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdoor_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by rule key.",
		}, []string{"key"}),
		ACMEIssuancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdoor_acme_issuances_total",
			Help: "ACME certificate issuance attempts, by domain and outcome.",
		}, []string{"domain", "outcome"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.ResponseTime,
		m.ActiveConnections,
		m.BackendHealth,
		m.ErrorsTotal,
		m.CircuitBreakerState,
		m.RateLimitRejections,
		m.ACMEIssuancesTotal,
	)
	return m
}

// GetRegistry returns the registry the collectors are registered against,
// for wiring into promhttp.HandlerFor in internal/admin.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// circuitStateValue maps a circuit breaker state name to the gauge value
// CircuitBreakerState reports. Defined here rather than taking a dependency
// on internal/circuitbreaker's State type, so metrics stays a leaf package.
func circuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetCircuitState records a backend's current circuit breaker state.
func (m *Metrics) SetCircuitState(backend, state string) {
	m.CircuitBreakerState.WithLabelValues(backend).Set(circuitStateValue(state))
}

// SetBackendHealthy records a backend's current health status.
func (m *Metrics) SetBackendHealthy(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.BackendHealth.WithLabelValues(backend).Set(value)
}

// IncRateLimitRejection records a request rejected by the rate limiter for
// the given rule key (typically a client IP, optionally suffixed with path).
func (m *Metrics) IncRateLimitRejection(key string) {
	m.RateLimitRejections.WithLabelValues(key).Inc()
}

// RecordACMEIssuance records an ACME certificate issuance attempt for a
// domain, labeled by outcome ("success" or "failure").
func (m *Metrics) RecordACMEIssuance(domain, outcome string) {
	m.ACMEIssuancesTotal.WithLabelValues(domain, outcome).Inc()
}
