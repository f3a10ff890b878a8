// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"persona-relay/internal/domain"
)

const namespace = "persona_relay"

// Delivery paths.
const (
	PathPull = "pull"
	PathAck  = "ack"
	PathPush = "push"
)

// Adapters.
const (
	AdapterStore     = "store"
	AdapterChannel   = "channel"
	AdapterResponder = "responder"
)

type Metrics struct {
	registry *prometheus.Registry

	visitorTurns      *prometheus.CounterVec
	operatorEvents    *prometheus.CounterVec
	webhookRejections *prometheus.CounterVec
	delivered         *prometheus.CounterVec
	adapterErrors     *prometheus.CounterVec
	modeTransitions   *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		visitorTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitor_turns_total",
			Help:      "Visitor turns routed, by the mode read for the routing decision.",
		}, []string{"mode"}),
		operatorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_events_total",
			Help:      "Verified operator channel events, by outcome.",
		}, []string{"outcome"}),
		webhookRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejections_total",
			Help:      "Webhook calls rejected before processing, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to visitors, by delivery path.",
		}, []string{"path"}),
		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Failed calls to external adapters.",
		}, []string{"adapter"}),
		modeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Conversation mode changes, by target mode.",
		}, []string{"to"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.visitorTurns,
		m.operatorEvents,
		m.webhookRejections,
		m.delivered,
		m.adapterErrors,
		m.modeTransitions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) VisitorTurn(mode domain.Mode) {
	if m == nil {
		return
	}
	m.visitorTurns.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) OperatorEvent(outcome string) {
	if m == nil {
		return
	}
	m.operatorEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.webhookRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delivered.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) AdapterError(adapter string) {
	if m == nil {
		return
	}
	m.adapterErrors.WithLabelValues(adapter).Inc()
}

func (m *Metrics) ModeTransition(to domain.Mode) {
	if m == nil {
		return
	}
	m.modeTransitions.WithLabelValues(string(to)).Inc()
}
