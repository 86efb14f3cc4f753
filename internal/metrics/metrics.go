// Package metrics exposes the contractual Prometheus series of spec §6:
// requests_total, waf_rule_hits_total, rate_limited_requests_total,
// upstream_latency_seconds, upstream_errors_total, plus two additive
// series (client_aborts_total, penalty_bans_total) for the ambient
// observability stack described in SPEC_FULL.md.
//
// Grounded on original_source/waf_proxy/observability/metrics.py for
// names, labels, and histogram buckets. Built on
// github.com/prometheus/client_golang — named, not grounded, since no
// repo in the retrieved pack ships a metrics library (see DESIGN.md).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles all WAF metrics. New registers them against a
// caller-supplied prometheus.Registerer, so cmd/wafproxy (and tests) can
// choose a fresh registry instead of relying on the global default.
type Registry struct {
	RequestsTotal       *prometheus.CounterVec
	RuleHitsTotal       *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	UpstreamLatency     prometheus.Histogram
	UpstreamErrorsTotal *prometheus.CounterVec
	ClientAbortsTotal   prometheus.Counter
	PenaltyBansTotal    prometheus.Counter
}

// New registers and returns a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of requests.",
		}, []string{"verdict", "status"}),
		RuleHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waf_rule_hits_total",
			Help: "Total number of WAF rule hits.",
		}, []string{"rule_id"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Total number of rate-limited requests.",
		}, []string{"client_ip"}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream requests in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Total number of upstream errors.",
		}, []string{"error_type"}),
		ClientAbortsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "client_aborts_total",
			Help: "Total number of requests cancelled by client disconnect.",
		}),
		PenaltyBansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "penalty_bans_total",
			Help: "Total number of IP penalty-box bans issued.",
		}),
	}
	reg.MustRegister(
		r.RequestsTotal,
		r.RuleHitsTotal,
		r.RateLimitedTotal,
		r.UpstreamLatency,
		r.UpstreamErrorsTotal,
		r.ClientAbortsTotal,
		r.PenaltyBansTotal,
	)
	return r
}

// RecordRequest records the terminal verdict/status pair for a request.
func (r *Registry) RecordRequest(verdict string, status int) {
	r.RequestsTotal.WithLabelValues(verdict, strconv.Itoa(status)).Inc()
}

// RecordRuleHits records one increment per matched rule ID.
func (r *Registry) RecordRuleHits(ruleIDs []string) {
	for _, id := range ruleIDs {
		r.RuleHitsTotal.WithLabelValues(id).Inc()
	}
}

// RecordRateLimited records a rate-limit deny for clientIP.
func (r *Registry) RecordRateLimited(clientIP string) {
	r.RateLimitedTotal.WithLabelValues(clientIP).Inc()
}

// RecordUpstreamLatencySeconds records an upstream round-trip latency.
func (r *Registry) RecordUpstreamLatencySeconds(seconds float64) {
	r.UpstreamLatency.Observe(seconds)
}

// RecordUpstreamError records an upstream failure by kind
// (timeout|connect|read).
func (r *Registry) RecordUpstreamError(kind string) {
	r.UpstreamErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordClientAbort increments client_aborts_total. Per spec §4.5, no
// status-labeled request metric is recorded under cancellation.
func (r *Registry) RecordClientAbort() {
	r.ClientAbortsTotal.Inc()
}

// RecordPenaltyBan increments penalty_bans_total.
func (r *Registry) RecordPenaltyBan() {
	r.PenaltyBansTotal.Inc()
}
