package assistant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_assistant_replies_total",
		Help: "Completed assistant replies persisted and published.",
	})
	failureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_assistant_failures_total",
		Help: "Assistant completion failures, by class.",
	}, []string{"class"})
)
