package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "receipt_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	stageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_stage_errors_total",
			Help: "Total number of stage failures by stage.",
		},
		[]string{"stage"},
	)

	// Разбивка по арендаторам доступна в /admin/stats.
	prizesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receipt_prizes_awarded_total",
			Help: "Total number of awarded prizes.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, stageDuration, stageErrors, prizesTotal)
}
