// Package metrics holds the Prometheus instrumentation shared by the hub
// and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActiveSessions  prometheus.Gauge
	EventsSent      *prometheus.CounterVec
	SendFailures    prometheus.Counter
	SessionsPurged  prometheus.Counter
	MessagesCreated prometheus.Counter
}

// New builds the collector set and registers it with reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatterd",
			Name:      "active_sessions",
			Help:      "Live websocket sessions.",
		}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterd",
			Name:      "events_sent_total",
			Help:      "Outbound events by frame type.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatterd",
			Name:      "send_failures_total",
			Help:      "Failed session writes.",
		}),
		SessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatterd",
			Name:      "sessions_purged_total",
			Help:      "Sessions dropped after write failure or idle timeout.",
		}),
		MessagesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatterd",
			Name:      "messages_created_total",
			Help:      "Messages accepted by the orchestrator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveSessions, m.EventsSent, m.SendFailures, m.SessionsPurged, m.MessagesCreated)
	}
	return m
}

// Nop returns unregistered collectors, safe to increment and discard.
func Nop() *Metrics { return New(nil) }
