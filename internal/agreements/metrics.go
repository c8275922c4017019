package agreements

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/milepay/internal/apperr"
)

var (
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Name:      "agreement_operations_total",
			Help:      "Agreement and milestone operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	releasedCents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Name:      "milestone_released_cents_total",
			Help:      "Escrow released to payees, by path.",
		},
		[]string{"path"},
	)

	refundedCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milepay",
		Name:      "milestone_refunded_cents_total",
		Help:      "Escrow refunded to payers by dispute resolution.",
	})
)

func init() {
	prometheus.MustRegister(transitions, releasedCents, refundedCents)
}

// outcome labels an operation result by error code.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.CodeOf(err))
}
