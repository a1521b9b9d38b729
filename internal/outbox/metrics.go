package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events processed, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	remoteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vitalsync",
			Subsystem: "outbox",
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of backend calls made while draining.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vitalsync",
			Subsystem: "outbox",
			Name:      "drain_duration_seconds",
			Help:      "Wall time of one drain pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	parkedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vitalsync",
			Subsystem: "outbox",
			Name:      "parked_events",
			Help:      "Parked events after the last drain.",
		},
	)
)
