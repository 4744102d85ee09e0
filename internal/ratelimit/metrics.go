package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_ratelimit_decisions_total",
			Help: "Total token bucket consume decisions",
		},
		[]string{"decision"},
	)

	consumeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keypool_ratelimit_consume_duration_seconds",
			Help:    "Token bucket consume latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)
