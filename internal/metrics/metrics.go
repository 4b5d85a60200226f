// Package metrics exposes relay counters to Prometheus.
//
// All methods are safe to call on a nil *Metrics so components can run
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Message outcomes recorded by MessageRelayed.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors for one relay instance.
type Metrics struct {
	connections        prometheus.Gauge
	messages           *prometheus.CounterVec
	deliveries         prometheus.Counter
	evictions          *prometheus.CounterVec
	broadcasts         prometheus.Counter
	attachmentsStored  prometheus.Counter
	attachmentFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently admitted connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound message events by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery frames pushed to recipient connections.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections removed from the registry by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "Presence snapshots announced.",
		}),
		attachmentsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_stored_total",
			Help:      "Attachment payloads written to the content area.",
		}),
		attachmentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_failures_total",
			Help:      "Attachment payloads dropped by stage.",
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections,
			m.messages,
			m.deliveries,
			m.evictions,
			m.broadcasts,
			m.attachmentsStored,
			m.attachmentFailures,
		)
	}
	return m
}

// ConnectionAdmitted increments the connection gauge.
func (m *Metrics) ConnectionAdmitted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionEvicted decrements the connection gauge and counts the reason.
func (m *Metrics) ConnectionEvicted(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.evictions.WithLabelValues(reason).Inc()
}

// MessageRelayed counts one inbound message event.
func (m *Metrics) MessageRelayed(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// Delivered counts delivery frames pushed for one message.
func (m *Metrics) Delivered(n int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(n))
}

// Broadcast counts one presence announcement.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// AttachmentStored counts a completed attachment write.
func (m *Metrics) AttachmentStored() {
	if m == nil {
		return
	}
	m.attachmentsStored.Inc()
}

// AttachmentFailed counts an attachment dropped at stage ("decode" or "write").
func (m *Metrics) AttachmentFailed(stage string) {
	if m == nil {
		return
	}
	m.attachmentFailures.WithLabelValues(stage).Inc()
}
