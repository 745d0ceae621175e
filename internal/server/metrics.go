package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the server's operational instruments. A nil Registerer in
// Options leaves them unregistered, which is what tests want.
type metrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_http_requests_total",
			Help: "HTTP requests by method, route pattern, and status code.",
		}, []string{"method", "route", "code"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sieve_http_request_duration_seconds",
			Help:    "Wall time spent serving one request.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}
