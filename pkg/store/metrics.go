package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	savedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_store_messages_saved_total",
		Help: "Messages persisted to the store.",
	})
	deletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_store_messages_deleted_total",
		Help: "Messages removed from the store.",
	})
)
