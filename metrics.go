package synthpeer

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts the connection lifecycle events of a Node. The counters are
// plain prometheus counters so that a test can read them back with the
// prometheus testutil package.
type Metrics struct {
	// ConnectionsAccepted counts inbound connections that completed the
	// handshake.
	ConnectionsAccepted prometheus.Counter
	// ConnectionsRejected counts inbound connections that were explicitly
	// turned away: rate-limited, out of slots, or failing handshake
	// validation.
	ConnectionsRejected prometheus.Counter
	// ConnectionsTerminated counts established sessions that have since
	// closed, for any reason.
	ConnectionsTerminated prometheus.Counter
	// Errors counts transport and protocol errors that were neither clean
	// rejections nor clean terminations.
	Errors prometheus.Counter
	// MessagesReceived counts every message delivered to a session inbox.
	MessagesReceived prometheus.Counter
}

// NewMetrics returns Metrics registered with the given registerer. A nil
// registerer leaves the counters unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthpeer_connections_accepted_total",
			Help: "Inbound connections that completed the handshake.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthpeer_connections_rejected_total",
			Help: "Inbound connections that were explicitly turned away.",
		}),
		ConnectionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthpeer_connections_terminated_total",
			Help: "Established sessions that have since closed.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthpeer_errors_total",
			Help: "Transport and protocol errors.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synthpeer_messages_received_total",
			Help: "Messages delivered to session inboxes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			metrics.ConnectionsAccepted,
			metrics.ConnectionsRejected,
			metrics.ConnectionsTerminated,
			metrics.Errors,
			metrics.MessagesReceived,
		)
	}
	return metrics
}
