package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_delivery_attempts_total",
			Help: "Outbound webhook HTTP attempts by outcome",
		},
		[]string{"outcome"}, // success|http_error|timeout|connection_error|unknown_error
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whgw_delivery_duration_seconds",
			Help:    "Outbound webhook call duration by outcome",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	DeliveriesTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_deliveries_terminal_total",
			Help: "Delivery sequences that reached a terminal status",
		},
		[]string{"status"}, // success|failed
	)

	RetrySweepProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whgw_retry_sweep_processed_total",
			Help: "Records processed by the retry sweep",
		},
	)

	BookkeepingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whgw_bookkeeping_errors_total",
			Help: "Attempt outcomes that could not be persisted",
		},
	)

	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whgw_events_published_total",
			Help: "Producer events written to the outbox",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		DeliveryAttempts,
		DeliveryDuration,
		DeliveriesTerminal,
		RetrySweepProcessed,
		BookkeepingErrors,
		EventsPublished,
	)
}
