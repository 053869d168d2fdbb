package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the execution-sandbox-specific Prometheus collectors,
// grounded on the teacher's infrastructure/metrics.Metrics construction
// (NewWithRegistry taking a Registerer so tests can use their own
// registry instead of the global one).
type Metrics struct {
	ExecutionsTotal      *prometheus.CounterVec
	PolicyDenialsTotal   *prometheus.CounterVec
	RateLimitRejections  prometheus.Counter
	InboundRequestsShed  prometheus.Counter
}

// NewMetrics builds a Metrics set and registers it against registerer.
// A nil registerer registers against a fresh, private registry so
// multiple Servers (e.g. in tests) never collide on collector names.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cyfr_executions_total",
				Help: "Total number of component executions by terminal status.",
			},
			[]string{"status"},
		),
		PolicyDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cyfr_policy_denials_total",
				Help: "Total number of policy-gate rejections by error kind.",
			},
			[]string{"kind"},
		),
		RateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyfr_rate_limit_rejections_total",
				Help: "Total number of pre-flight and in-flight rate-limit rejections.",
			},
		),
		InboundRequestsShed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyfr_inbound_requests_shed_total",
				Help: "Total number of /mcp requests shed by the inbound rate limiter.",
			},
		),
	}

	registerer.MustRegister(m.ExecutionsTotal, m.PolicyDenialsTotal, m.RateLimitRejections, m.InboundRequestsShed)
	return m
}

// ObserveExecution records one terminal execution outcome.
func (m *Metrics) ObserveExecution(status string) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
}

// ObserveRunError attributes a failed `run` call to the policy-denial or
// rate-limit counters when its kind matches one of those families,
// leaving other failure kinds (execution_failed, trap, ...) to
// ExecutionsTotal alone.
func (m *Metrics) ObserveRunError(kind string) {
	if m == nil {
		return
	}
	switch kind {
	case "domain_blocked", "method_blocked", "tool_denied", "storage_path_denied", "policy_not_configured":
		m.PolicyDenialsTotal.WithLabelValues(kind).Inc()
	case "rate_limited":
		m.RateLimitRejections.Inc()
	}
}
