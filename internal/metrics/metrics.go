// ABOUTME: Prometheus counters and histograms for registrations, auth, policy and webhooks
// ABOUTME: Owns its registry and serves it through promhttp

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentgate"

// Metrics holds all the Prometheus metrics for the gateway
type Metrics struct {
	registry *prometheus.Registry

	Registrations   *prometheus.CounterVec
	AuthResolutions *prometheus.CounterVec
	PolicyDecisions *prometheus.CounterVec
	WebhookOutcomes *prometheus.CounterVec
	SpendRecorded   *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry. Go runtime and
// process collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration and authentication handshake steps by stage and result",
		}, []string{"stage", "result"}),
		AuthResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_resolutions_total",
			Help:      "Credential resolutions by method and result",
		}, []string{"method", "result"}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy enforcement outcomes; rejections are labelled with the error kind",
		}, []string{"outcome"}),
		WebhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by event type and outcome",
		}, []string{"event", "outcome"}),
		SpendRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_recorded_total",
			Help:      "Amount of spend recorded against caps by currency",
		}, []string{"currency"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegistrationStep counts one handshake step.
func (m *Metrics) RegistrationStep(stage, result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(stage, result).Inc()
}

// AuthResolution counts one credential resolution.
func (m *Metrics) AuthResolution(method string, ok bool) {
	if m == nil {
		return
	}
	m.AuthResolutions.WithLabelValues(method, resultLabel(ok)).Inc()
}

// PolicyDecision counts an enforcement outcome ("allowed" or an error kind).
func (m *Metrics) PolicyDecision(outcome string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(outcome).Inc()
}

// WebhookOutcome counts a delivery outcome.
func (m *Metrics) WebhookOutcome(event, outcome string) {
	if m == nil {
		return
	}
	m.WebhookOutcomes.WithLabelValues(event, outcome).Inc()
}

// Spend adds amount to the recorded spend for currency.
func (m *Metrics) Spend(currency string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.SpendRecorded.WithLabelValues(currency).Add(amount)
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
