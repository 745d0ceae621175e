package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the dispatcher's operational instruments. A nil Registerer in
// Options leaves them unregistered, which is what tests want.
type metrics struct {
	depth         *prometheus.GaugeVec
	events        *prometheus.CounterVec
	batchDuration prometheus.Histogram
	recovered     prometheus.Counter
	archived      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sieve_outbox_depth",
			Help: "Outbox events by status.",
		}, []string{"status"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sieve_outbox_events_total",
			Help: "Settled dispatch attempts by outcome.",
		}, []string{"outcome"}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sieve_outbox_dispatch_duration_seconds",
			Help:    "Wall time spent draining one claimed batch.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		recovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sieve_outbox_recovered_events_total",
			Help: "Stuck in_flight events returned to pending.",
		}),
		archived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sieve_outbox_archived_events_total",
			Help: "Dead-letter events removed after their TTL.",
		}),
	}
}
