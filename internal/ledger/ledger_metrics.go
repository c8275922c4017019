package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransactionsTotal counts committed transaction records by type and status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Name:      "ledger_transactions_total",
			Help:      "Committed ledger transactions by type and status.",
		},
		[]string{"type", "status"},
	)

	// AmountCentsTotal sums committed amounts by type.
	AmountCentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "milepay",
			Name:      "ledger_amount_cents_total",
			Help:      "Sum of committed transaction amounts in minor units, by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes read operation latency by kind.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "milepay",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// BalanceAvailable tracks the sum of all available balances at the last reconciliation.
	BalanceAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "milepay",
		Name:      "ledger_balance_available_cents",
		Help:      "Sum of all wallet available balances.",
	})

	// BalancePending tracks the sum of all pending balances.
	BalancePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "milepay",
		Name:      "ledger_balance_pending_cents",
		Help:      "Sum of all wallet pending balances.",
	})

	// BalanceEscrow tracks the sum of all escrowed balances.
	BalanceEscrow = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "milepay",
		Name:      "ledger_balance_escrow_cents",
		Help:      "Sum of all wallet escrow balances.",
	})
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		AmountCentsTotal,
		LedgerOpDuration,
		BalanceAvailable,
		BalancePending,
		BalanceEscrow,
	)
}

// ObserveCommitted records metrics for transactions after their store
// transaction committed.
func ObserveCommitted(txs ...*Transaction) {
	for _, t := range txs {
		if t == nil {
			continue
		}
		TransactionsTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
		if t.Status == StatusCompleted {
			AmountCentsTotal.WithLabelValues(string(t.Type)).Add(float64(t.AmountCents))
		}
	}
}

// SetTotals publishes platform-wide balance sums.
func SetTotals(b Balances) {
	BalanceAvailable.Set(float64(b.Available))
	BalancePending.Set(float64(b.Pending))
	BalanceEscrow.Set(float64(b.Escrow))
}

// observeOp returns a function that observes the elapsed duration.
func observeOp(op string) func() {
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
