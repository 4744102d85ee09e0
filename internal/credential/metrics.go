package credential

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_credential_outcomes_total",
			Help: "Total recorded upstream call outcomes",
		},
		[]string{"outcome"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_credential_status_transitions_total",
			Help: "Credential health status transitions",
		},
		[]string{"from", "to"},
	)

	poolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_credentials",
			Help: "Number of credentials in the pool by status",
		},
		[]string{"status"},
	)
)

// ObserveStats exports a pool census to the status gauge.
func ObserveStats(stats Stats) {
	poolSize.WithLabelValues(string(StatusActive)).Set(float64(stats.Active))
	poolSize.WithLabelValues(string(StatusExhausted)).Set(float64(stats.Exhausted))
	poolSize.WithLabelValues(string(StatusError)).Set(float64(stats.Error))
}
