package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of the delivery worker.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewMetrics registers the metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Attempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "attempts_total", Namespace: "beacon", Subsystem: "delivery",
			Help: "The number of delivery attempts, by outcome.",
		}, []string{"outcome"}),
		Duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "attempt_duration_seconds", Namespace: "beacon", Subsystem: "delivery",
			Help:    "The time spent on a single delivery attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
