package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns        = "beacon"
	subsystem = "outbox"
)

// Metrics of the outbox queue.
type Metrics struct {
	Enqueued    *prometheus.CounterVec
	Retries     prometheus.Counter
	Compactions prometheus.Counter
	Depth       prometheus.Gauge
	InFlight    prometheus.Gauge
}

// NewMetrics registers the metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Enqueued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "enqueued_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of packages added to the outbox, by kind.",
		}, []string{"kind"}),
		Retries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "retries_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of times the head was kept for a later retry.",
		}),
		Compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactions_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of outbox log rewrites.",
		}),
		Depth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "depth", Namespace: ns, Subsystem: subsystem,
			Help: "The number of packages waiting for delivery, including the one in flight.",
		}),
		InFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "in_flight", Namespace: ns, Subsystem: subsystem,
			Help: "1 while a package is being delivered.",
		}),
	}
}
