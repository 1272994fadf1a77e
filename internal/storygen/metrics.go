package storygen

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	textRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_text_requests_total",
			Help: "Total number of story text requests by model and status.",
		},
		[]string{"model", "status"},
	)
	textRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybook_text_request_duration_seconds",
			Help:    "Histogram of story text request durations.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"model"},
	)
	promptTokensEstimate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybook_text_prompt_tokens_estimate",
			Help:    "Estimated prompt tokens sent to the text backend.",
			Buckets: prometheus.LinearBuckets(100, 100, 20),
		},
		[]string{"model"},
	)
	completionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storybook_text_completion_tokens",
			Help:    "Completion tokens reported by the text backend.",
			Buckets: prometheus.LinearBuckets(250, 250, 20),
		},
		[]string{"model"},
	)
)
