package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storiesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storybook_stories_created_total",
		Help: "Total number of accepted story creation requests.",
	})

	batchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_batch_requests_total",
			Help: "Illustration batch requests by resulting story status, or rejected.",
		},
		[]string{"result"},
	)
)
