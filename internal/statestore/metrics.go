package statestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_statestore_operations_total",
			Help: "Total number of state store operations by result",
		},
		[]string{"operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keypool_statestore_operation_duration_seconds",
			Help:    "State store operation latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	connectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_statestore_connection_errors_total",
			Help: "Total number of state store connection errors",
		},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_statestore_breaker_transitions_total",
			Help: "State store circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	storeHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_statestore_healthy",
			Help: "Whether the state store circuit breaker admits requests (1 = healthy)",
		},
	)
)
