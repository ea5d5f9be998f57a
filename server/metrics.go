package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus counters on a private registry so
// multiple instances never clash. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	validateTotal *prometheus.CounterVec
	renewalsTotal prometheus.Counter
	loginsStarted prometheus.Counter
	loginsDone    prometheus.Counter
}

// NewMetrics registers the gateway counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		validateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_validate_total",
			Help: "Validation subrequests by outcome.",
		}, []string{"outcome"}),
		renewalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_renewals_total",
			Help: "Successful silent session renewals.",
		}),
		loginsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_logins_started_total",
			Help: "Login redirects issued to the provider.",
		}),
		loginsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_logins_completed_total",
			Help: "Successful callback code exchanges.",
		}),
	}
	reg.MustRegister(m.validateTotal, m.renewalsTotal, m.loginsStarted, m.loginsDone)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ValidateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.validateTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RenewalObserved() {
	if m == nil {
		return
	}
	m.renewalsTotal.Inc()
}

func (m *Metrics) LoginStarted() {
	if m == nil {
		return
	}
	m.loginsStarted.Inc()
}

func (m *Metrics) LoginCompleted() {
	if m == nil {
		return
	}
	m.loginsDone.Inc()
}
