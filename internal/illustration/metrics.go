package illustration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pageOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_page_illustrations_total",
			Help: "Page illustration outcomes by failure stage (stage=none on success).",
		},
		[]string{"outcome", "stage"},
	)

	pagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storybook_page_illustrations_in_flight",
		Help: "Page illustration pipelines currently running.",
	})

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storybook_illustration_batches_total",
			Help: "Finished illustration batches by resulting story status.",
		},
		[]string{"status"},
	)

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storybook_illustration_batch_duration_seconds",
		Help:    "Wall time of illustration batches.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)
