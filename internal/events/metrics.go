package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Events accepted for delivery by type.",
	}, []string{"event_type"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the delivery queue was full.",
	})

	sinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "events",
		Name:      "sink_failures_total",
		Help:      "Failed deliveries by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(eventsEmitted, eventsDropped, sinkFailures)
}
