package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_validation_probes_total",
			Help: "Validation probes by probed status class and outcome",
		},
		[]string{"status", "outcome"},
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keypool_validation_pass_duration_seconds",
			Help:    "Validation pass duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)
)
