package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	RegistrationsTotal   *prometheus.CounterVec
	IssuanceTotal        *prometheus.CounterVec
	TierIssued           *prometheus.GaugeVec
	TransitionsTotal     *prometheus.CounterVec
	VerificationsTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec
	UpstreamBreakerState *prometheus.GaugeVec
	EndpointLatency      *prometheus.HistogramVec
	RateLimitedTotal     *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RegistrationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_registrations_total",
			Help: "Namespace registration attempts by outcome",
		}, []string{"outcome"}),
		IssuanceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_issuance_total",
			Help: "Certificate issuance attempts by tier and outcome",
		}, []string{"tier", "outcome"}),
		TierIssued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sovereign_tier_issued",
			Help: "Issued count per rarity tier",
		}, []string{"tier"}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_session_transitions_total",
			Help: "Claim session transitions by source, target and outcome",
		}, []string{"from", "to", "outcome"}),
		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_certificate_verifications_total",
			Help: "Certificate verifications by result",
		}, []string{"valid"}),
		UpstreamCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereign_upstream_call_duration_seconds",
			Help:    "Latency of calls to external collaborators",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream", "operation", "outcome"}),
		UpstreamBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sovereign_upstream_breaker_open",
			Help: "1 when the upstream circuit breaker is open",
		}, []string{"upstream"}),
		EndpointLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereign_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereign_rate_limited_total",
			Help: "Requests rejected by the per-client rate limit",
		}, []string{"class"}),
	}
}

func (m *Metrics) ObserveRegistration(outcome string) {
	if m == nil {
		return
	}
	m.RegistrationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIssuance(tier, outcome string) {
	if m == nil {
		return
	}
	m.IssuanceTotal.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) SetTierIssued(tier string, issued int) {
	if m == nil {
		return
	}
	m.TierIssued.WithLabelValues(tier).Set(float64(issued))
}

func (m *Metrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, outcome).Inc()
}

func (m *Metrics) ObserveVerification(valid bool) {
	if m == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	m.VerificationsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveUpstreamCall(upstream, operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamCallDuration.WithLabelValues(upstream, operation, outcome).Observe(seconds)
}

func (m *Metrics) SetBreakerOpen(upstream string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.UpstreamBreakerState.WithLabelValues(upstream).Set(v)
}

func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.EndpointLatency.WithLabelValues(method, route, status).Observe(seconds)
}

func (m *Metrics) ObserveRateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(class).Inc()
}
