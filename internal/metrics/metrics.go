// ABOUTME: Prometheus metrics for agent sessions, requests, and fleet reconciliation
// ABOUTME: Registered on the default registry and exposed through Handler

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet_gateway"

var (
	// SessionsActive is the number of registered agent sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Currently registered agent sessions",
	})

	// Handshakes counts connection attempts.
	// Labels: result (accepted, unauthorized, rate_limited)
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "handshakes_total",
		Help:      "Agent handshake attempts by result",
	}, []string{"result"})

	// Teardowns counts session teardowns.
	// Labels: reason (closed, evicted, liveness, protocol, shutdown)
	Teardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "teardowns_total",
		Help:      "Agent session teardowns by reason",
	}, []string{"reason"})

	// GraceExpirations counts grace timers that fired and stopped instances.
	GraceExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "grace_expirations_total",
		Help:      "Disconnect grace periods that elapsed without reconnect",
	})

	// PendingRequests is the number of outstanding agent RPCs.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "pending",
		Help:      "Outstanding requests awaiting an agent response",
	})

	// Requests counts finished agent RPCs.
	// Labels: outcome (ok, error, timeout, session_closed, canceled, send_failed)
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "total",
		Help:      "Agent requests by outcome",
	}, []string{"outcome"})

	// Frames counts inbound frames.
	// Labels: type (sync, response, error, serverEvent, unhandled, malformed)
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "received_total",
		Help:      "Inbound agent frames by type",
	}, []string{"type"})

	// Reconciliations counts handshake reconciliations.
	// Labels: mode (first_sync, reconnect)
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "reconciliations_total",
		Help:      "Handshake reconciliations by mode",
	}, []string{"mode"})

	// ReconciledInstances counts instances changed by reconciliation.
	// Labels: kind (created, removed, ghost, orphan, kept)
	ReconciledInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fleet",
		Name:      "reconciled_instances_total",
		Help:      "Instances affected by reconciliation by kind",
	}, []string{"kind"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
