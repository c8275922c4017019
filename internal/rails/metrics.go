package rails

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/milepay/internal/circuitbreaker"
)

var railCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "milepay",
	Subsystem: "rails",
	Name:      "calls_total",
	Help:      "Payment rail calls by rail, operation, and outcome.",
}, []string{"rail", "op", "outcome"})

func init() {
	prometheus.MustRegister(railCalls)
}

func observe(rail, op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrDeclined):
		outcome = "declined"
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "circuit_open"
	default:
		outcome = "error"
	}
	railCalls.WithLabelValues(rail, op, outcome).Inc()
}
