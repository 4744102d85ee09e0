package selector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	selectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_selector_selections_total",
			Help: "Credential selection outcomes by mode",
		},
		[]string{"mode"},
	)

	failOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_selector_fail_open_total",
			Help: "Selections made without rate limiting because the state store was unreachable",
		},
	)

	sampleSizeHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keypool_selector_sample_size",
			Help:    "Sample size at which a credential was selected",
			Buckets: []float64{50, 100, 200, 400, 800, 1000},
		},
	)
)
