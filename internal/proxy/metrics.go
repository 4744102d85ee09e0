package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_proxy_requests_total",
			Help: "Proxied upstream requests by result",
		},
		[]string{"result"},
	)

	attemptsHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keypool_proxy_attempts",
			Help:    "Attempts consumed per proxied request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	upstreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keypool_proxy_upstream_duration_seconds",
			Help:    "Upstream round trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
