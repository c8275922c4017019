package docstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	txTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Subsystem: "docstore",
			Name:      "transactions_total",
			Help:      "Ledger store transactions by outcome (committed, conflict, error).",
		},
		[]string{"result"},
	)

	txConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Subsystem: "docstore",
			Name:      "conflicts_total",
			Help:      "Optimistic version conflicts observed, including retried ones.",
		},
	)

	txAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "milepay",
			Subsystem: "docstore",
			Name:      "transaction_attempts",
			Help:      "Attempts needed per transaction.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	txDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "milepay",
			Subsystem: "docstore",
			Name:      "transaction_duration_seconds",
			Help:      "Transaction duration including retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

func init() {
	prometheus.MustRegister(txTotal, txConflicts, txAttempts, txDuration)
}
