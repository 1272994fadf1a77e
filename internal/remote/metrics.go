package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var remoteAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storybook_remote_attempts_total",
		Help: "Total number of outbound call attempts by outcome.",
	},
	[]string{"outcome"},
)
