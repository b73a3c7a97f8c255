package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_events_total",
			Help: "Outbox events by operation and outcome",
		},
		[]string{"operation", "outcome"}, // CREATE|UPDATE|... , completed|failed|dead_letter
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphsync_batch_duration_seconds",
			Help:    "Wall time of one poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphsync_dead_letters_total",
			Help: "Events promoted to dead letter after retry exhaustion",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsTotal,
		BatchDuration,
		DeadLettersTotal,
	)
}
