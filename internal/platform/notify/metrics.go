package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes used as the outcome label.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeDiscarded   = "discarded"
	OutcomeUnsupported = "unsupported"
	OutcomeUnknown     = "unknown_channel"
)

// Metrics holds the Prometheus collectors of the dispatch engine.
type Metrics struct {
	RequestsEnqueued *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	HeartbeatsSeeded prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_requests_enqueued_total",
				Help: "Total number of notification requests placed on the queue",
			},
			[]string{"type"},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_deliveries_total",
				Help: "Total number of dispatched notification requests by outcome",
			},
			[]string{"channel", "type", "outcome"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notify_delivery_duration_seconds",
				Help:    "Time spent inside channel sends",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"channel"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notify_queue_depth",
				Help: "Current number of queued notification requests",
			},
		),
		HeartbeatsSeeded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notify_heartbeats_seeded_total",
				Help: "Total number of never-contacted subscriptions seeded by the heartbeat sweep",
			},
		),
	}
}
