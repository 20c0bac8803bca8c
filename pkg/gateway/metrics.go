package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_gateway_connections",
		Help: "Live websocket connections on this gateway.",
	})
	receivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_gateway_events_received_total",
		Help: "Inbound client events, by type.",
	}, []string{"type"})
	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_gateway_envelopes_delivered_total",
		Help: "Bus envelopes fanned out to rooms, by type.",
	}, []string{"type"})
	slowDropTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_gateway_slow_clients_dropped_total",
		Help: "Connections dropped because their send buffer was full.",
	})
)
