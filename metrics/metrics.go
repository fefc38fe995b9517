// Package metrics exposes the engine's Prometheus instrumentation. The
// observation points mirror where the traffic flows through the
// Endpoint: one observer per Sending*/Receiving* event, plus counters
// the Matcher-adjacent paths care about (duplicate suppressions,
// retransmit failures).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// Metrics is the collector set for one endpoint.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	duplicates       prometheus.Counter
	exchangeFailures prometheus.Counter
	registry         *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap", Name: "messages_sent_total",
			Help: "Outgoing CoAP messages by kind.",
		}, []string{"kind"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap", Name: "messages_received_total",
			Help: "Incoming CoAP messages by kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "duplicate_messages_total",
			Help: "Inbound messages the deduplicator recognized as retransmissions.",
		}),
		exchangeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "exchange_failures_total",
			Help: "Exchanges that failed (transmission timeout, reject, encode error).",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.messagesSent, m.messagesReceived, m.duplicates, m.exchangeFailures)
	return m
}

// Bind hooks the collectors into ep's event registry.
func (m *Metrics) Bind(ep *endpoint.Endpoint) {
	ep.On(endpoint.SendingRequest, m.onSend("request"))
	ep.On(endpoint.SendingResponse, m.onSend("response"))
	ep.On(endpoint.SendingEmptyMessage, m.onSend("empty"))
	ep.On(endpoint.ReceivingRequest, m.onReceive("request"))
	ep.On(endpoint.ReceivingResponse, m.onReceive("response"))
	ep.On(endpoint.ReceivingEmptyMessage, m.onReceive("empty"))
}

func (m *Metrics) onSend(kind string) endpoint.EventObserver {
	counter := m.messagesSent.WithLabelValues(kind)
	return func(ex *exchange.Exchange, msg *message.Message) {
		counter.Inc()
		// Retransmissions re-enter the outbox; hook the failure counter
		// only on the first transmission so one failure counts once.
		if ex != nil && ex.RetransmitCount() == 0 {
			ex.OnFailure(func(*exchange.Exchange, error) { m.exchangeFailures.Inc() })
		}
	}
}

func (m *Metrics) onReceive(kind string) endpoint.EventObserver {
	counter := m.messagesReceived.WithLabelValues(kind)
	return func(_ *exchange.Exchange, msg *message.Message) {
		counter.Inc()
		if msg.Duplicate {
			m.duplicates.Inc()
		}
	}
}

// Handler serves the registry in the Prometheus text format; mount it
// on whatever HTTP mux the operator runs.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
