// Package metrics provides Prometheus metrics for the relay and the agent call engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of open signaling connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcall_active_connections",
			Help: "Number of currently open signaling connections",
		},
	)

	// ConnectionsTotal tracks the total number of accepted connections.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcall_connections_total",
			Help: "Total number of accepted signaling connections",
		},
	)

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcall_active_rooms",
			Help: "Number of rooms that currently have members",
		},
	)

	// RelayedMessages tracks relayed signaling messages by kind and routing.
	RelayedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcall_relayed_messages_total",
			Help: "Total number of signaling messages relayed",
		},
		[]string{"type", "route"},
	)

	// DeliveryFailures tracks frames that could not be queued for a recipient.
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcall_delivery_failures_total",
			Help: "Total number of dropped deliveries",
		},
		[]string{"reason"},
	)

	// CallStateTransitions tracks call session state changes on agents.
	CallStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcall_call_state_transitions_total",
			Help: "Total number of call session state transitions",
		},
		[]string{"from_state", "to_state"},
	)
)

// RecordConnectionOpened increments connection metrics.
func RecordConnectionOpened() {
	ConnectionsTotal.Inc()
	ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge.
func RecordConnectionClosed() {
	ActiveConnections.Dec()
}

func RecordRoomCount(n int) {
	ActiveRooms.Set(float64(n))
}

// RecordRelay counts one relayed message. route is "direct" or "room".
func RecordRelay(kind, route string) {
	RelayedMessages.WithLabelValues(kind, route).Inc()
}

func RecordDeliveryFailure(reason string) {
	DeliveryFailures.WithLabelValues(reason).Inc()
}

// RecordStateTransition records a call session state change.
func RecordStateTransition(fromState, toState string) {
	CallStateTransitions.WithLabelValues(fromState, toState).Inc()
}
