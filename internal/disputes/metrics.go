package disputes

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/milepay/internal/apperr"
)

var (
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Name:      "dispute_operations_total",
			Help:      "Dispute workflow operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Name:      "dispute_resolutions_total",
			Help:      "Resolved disputes by resolution type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(operations, resolutions)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.CodeOf(err))
}
