package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abusegate_gate_decision_total",
			Help: "Gate outcomes per check stage (allow/deny)",
		},
		[]string{"stage", "outcome"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "abusegate_gate_duration_seconds",
			Help:    "Latency of the full gate middleware chain",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
	CsrfIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "abusegate_csrf_issued_total",
			Help: "CSRF tokens minted",
		},
	)
	CsrfRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abusegate_csrf_rejected_total",
			Help: "CSRF validations failed, by reason",
		},
		[]string{"reason"},
	)
	CsrfConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "abusegate_csrf_consumed_total",
			Help: "CSRF tokens validated and consumed",
		},
	)
	PowIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "abusegate_pow_issued_total",
			Help: "PoW challenges issued",
		},
	)
	PowSolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "abusegate_pow_solved_total",
			Help: "PoW solutions accepted",
		},
	)
	PowRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abusegate_pow_rejected_total",
			Help: "PoW solutions rejected, by reason",
		},
		[]string{"reason"},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abusegate_rate_limit_hits_total",
			Help: "Requests denied by the rate limiter, per action",
		},
		[]string{"action"},
	)
	CaptchaVerify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abusegate_captcha_verify_total",
			Help: "Captcha verification outcomes (pass/fail/fail_open)",
		},
		[]string{"outcome"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "abusegate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		GateDecision, GateDuration,
		CsrfIssued, CsrfRejected, CsrfConsumed,
		PowIssued, PowSolved, PowRejected,
		RateLimitHits, CaptchaVerify, BuildInfo,
	)
	BuildInfo.Set(1)
}
