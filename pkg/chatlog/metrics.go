package chatlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_log_appends_total",
		Help: "Envelopes appended to the durable log.",
	})
	appendFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_log_append_failures_total",
		Help: "Durable log append failures.",
	})
)
