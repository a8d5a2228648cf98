// Package metrics defines the Prometheus collectors exported by the
// server and the device agent.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kallberg/pdt/internal/protocol"
	"github.com/kallberg/pdt/internal/registry"
)

// Server holds the control server's collectors.
type Server struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	Events         *prometheus.CounterVec
	SendFailures   *prometheus.CounterVec
}

// NewServer creates the server collectors and registers them on reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pdt_sessions_active",
			Help: "Number of device sessions currently registered",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdt_sessions_total",
			Help: "Number of device sessions accepted since start",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdt_events_total",
			Help: "Inbound session events handled by the dispatcher",
		}, []string{"kind"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdt_send_failures_total",
			Help: "Messages that could not be queued for a session",
		}, []string{"reason"}),
	}
}

// ObserveEvent counts one dispatched event. A nil message counts as unexpected.
func (m *Server) ObserveEvent(msg *protocol.Message) {
	kind := "unexpected"
	if msg != nil {
		kind = msg.Kind.String()
	}
	m.Events.WithLabelValues(kind).Inc()
}

// ObserveSendError counts a failed registry send.
func (m *Server) ObserveSendError(err error) {
	reason := "other"
	switch {
	case errors.Is(err, registry.ErrClientNotFound):
		reason = "client_not_found"
	case errors.Is(err, registry.ErrChannelClosed):
		reason = "channel_closed"
	case errors.Is(err, registry.ErrQueueFull):
		reason = "queue_full"
	}
	m.SendFailures.WithLabelValues(reason).Inc()
}

// Agent holds the device agent's collectors.
type Agent struct {
	Connected  prometheus.Gauge
	Reconnects prometheus.Counter
	Commands   *prometheus.CounterVec
}

// NewAgent creates the agent collectors and registers them on reg.
func NewAgent(reg prometheus.Registerer) *Agent {
	f := promauto.With(reg)
	return &Agent{
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "pdt_agent_connected",
			Help: "Whether the agent has a live session (1 = connected)",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "pdt_agent_reconnects_total",
			Help: "Reconnection attempts made after losing the session",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pdt_agent_commands_total",
			Help: "Commands received from the server",
		}, []string{"kind", "result"}),
	}
}
