package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_consumer_applied_total",
		Help: "Log records folded into the message store, by operation.",
	}, []string{"op"})
	dedupTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_consumer_dedup_total",
		Help: "Replayed send records suppressed by the temp id guard.",
	})
)
