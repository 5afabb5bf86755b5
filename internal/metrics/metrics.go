package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "veilchat_connections_active",
			Help: "Live websocket connections",
		},
	)

	EventsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veilchat_events_forwarded_total",
			Help: "Relay events delivered to a live recipient",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veilchat_events_dropped_total",
			Help: "Relay events dropped because the recipient was offline or slow",
		},
		[]string{"event"},
	)

	PresenceBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "veilchat_presence_broadcasts_total",
			Help: "Presence change broadcasts sent to all clients",
		},
	)
)
