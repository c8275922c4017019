package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "milepay",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering one event to one subscription, retries included.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	deactivations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "webhook",
		Name:      "deactivations_total",
		Help:      "Subscriptions deactivated after repeated delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(deliveries, deliveryDuration, deactivations)
}
