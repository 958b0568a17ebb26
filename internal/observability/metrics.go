// Package observability exposes Prometheus metrics for auth and mail activity.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application's collectors. A nil *Metrics is valid and records nothing,
// so components can be built without metrics in tests.
type Metrics struct {
	AuthEvents   *prometheus.CounterVec
	OTPIssued    *prometheus.CounterVec
	MailFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a private registry with Go and process collectors plus the app counters.
func NewMetrics() *Metrics {
	// Own registry keeps tests from colliding on the global one
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		AuthEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manu_auth_events_total",
				Help: "Auth state machine transitions by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		OTPIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manu_otp_issued_total",
				Help: "One-time codes issued by purpose; reused=true when an unexpired code was kept",
			},
			[]string{"purpose", "reused"},
		),
		MailFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "manu_mail_failures_total",
				Help: "OTP emails that could not be sent or enqueued",
			},
		),
		registry: reg,
	}
	reg.MustRegister(m.AuthEvents, m.OTPIssued, m.MailFailures)
	return m
}

// AuthEvent counts one transition outcome, e.g. ("login", "success").
func (m *Metrics) AuthEvent(op, outcome string) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(op, outcome).Inc()
}

// OTP counts one issuance.
func (m *Metrics) OTP(purpose string, reused bool) {
	if m == nil {
		return
	}
	r := "false"
	if reused {
		r = "true"
	}
	m.OTPIssued.WithLabelValues(purpose, r).Inc()
}

// MailFailed counts one failed send.
func (m *Metrics) MailFailed() {
	if m == nil {
		return
	}
	m.MailFailures.Inc()
}

// Handler serves the registry in Prometheus/OpenMetrics text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
