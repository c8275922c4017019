package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	walletOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "wallet",
		Name:      "operations_total",
		Help:      "Wallet operations by kind and outcome.",
	}, []string{"op", "outcome"})

	idempotentReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "wallet",
		Name:      "idempotent_replays_total",
		Help:      "Requests answered from an earlier result with the same idempotency key.",
	}, []string{"scope"})

	feesCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "wallet",
		Name:      "fees_cents_total",
		Help:      "Fees charged in minor units by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(walletOps, idempotentReplays, feesCollected)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
