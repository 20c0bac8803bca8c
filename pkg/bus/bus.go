// Package bus is the best-effort broadcast path: topic-based pub/sub with
// no persistence and no delivery guarantee beyond "while connected". It is
// the only cross-process coordination point between gateways; everything
// durable rides the chatlog instead.
package bus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chatrelay/pkg/models"
)

// Handler receives every envelope published on any chat topic, tagged with
// its channel id ("global" for the broadcast topic). Handlers must not
// block; slow consumers drop.
type Handler func(channelID string, env models.Envelope)

// Bus is a topic publish/subscribe channel. One logical topic per
// conversation plus one global topic.
type Bus interface {
	// Publish sends env to every subscriber of channelID, best effort.
	Publish(ctx context.Context, channelID string, env models.Envelope) error
	// Subscribe registers h for all chat topics. Subscribers added after
	// a publish never see it; there is no replay.
	Subscribe(h Handler)
	Close() error
}

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_bus_published_total",
		Help: "Envelopes published to the broadcast bus.",
	}, []string{"backend"})
	publishFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_bus_publish_failures_total",
		Help: "Broadcast bus publish failures.",
	}, []string{"backend"})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_bus_dropped_total",
		Help: "Envelopes dropped on slow in-process subscribers.",
	})
)
