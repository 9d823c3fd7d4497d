// Package metrics declares the Prometheus series the server exposes.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: openwatchparty (application-level grouping)
//   - subsystem: websocket, room, ratelimit (feature-level grouping)
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks current upgraded WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "openwatchparty",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks current rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "openwatchparty",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks per-room membership.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "openwatchparty",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// MessagesTotal counts inbound messages by type and outcome
	// (accepted, dropped_filtered, dropped_invalid, dropped_not_host,
	// rate_limited, unauthenticated, auth_failed, room_full, unknown_type,
	// too_large, invalid_format).
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openwatchparty",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total inbound messages processed by type and outcome",
	}, []string{"type", "outcome"})

	// FanoutDuration tracks time from serializing a room fan-out to its last
	// enqueue; the room lock has already been released by then.
	FanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "openwatchparty",
		Subsystem: "websocket",
		Name:      "fanout_duration_seconds",
		Help:      "Time spent computing and enqueueing a room fan-out",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	}, []string{"message_type"})

	// OutboundDropsTotal counts messages dropped because a recipient's
	// outbound queue was full or closed.
	OutboundDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openwatchparty",
		Subsystem: "websocket",
		Name:      "outbound_drops_total",
		Help:      "Total outbound messages dropped due to a full or closed queue",
	}, []string{"message_type"})

	// ZombiesReapedTotal counts connections reclaimed by the liveness sweeper.
	ZombiesReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openwatchparty",
		Subsystem: "websocket",
		Name:      "zombies_reaped_total",
		Help:      "Total connections reclaimed for exceeding the liveness timeout",
	})

	// RateLimitedTotal counts messages dropped by the per-connection rate limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openwatchparty",
		Subsystem: "ratelimit",
		Name:      "dropped_total",
		Help:      "Total inbound messages dropped for exceeding the rate limit",
	})
)

// IncConnection records a newly accepted connection.
func IncConnection() { ActiveConnections.Inc() }

// DecConnection records a closed connection.
func DecConnection() { ActiveConnections.Dec() }
