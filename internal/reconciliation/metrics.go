package reconciliation

import "github.com/prometheus/client_golang/prometheus"

// Finding kinds, used as the "kind" label on the findings gauge.
const (
	kindLedgerMismatch = "ledger_mismatch"
	kindEscrowDrift    = "escrow_drift"
	kindOrphanedHold   = "orphaned_hold"
)

var (
	findings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "milepay",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Discrepancies found by the last reconciliation run, by kind.",
	}, []string{"kind"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "milepay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 3, 8),
	})

	runFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "reconciliation",
		Name:      "failures_total",
		Help:      "Reconciliation runs that could not complete.",
	})
)

func init() {
	prometheus.MustRegister(findings, runDuration, runFailures)
}

func recordReport(rep *Report) {
	runDuration.Observe(rep.Duration.Seconds())
	findings.WithLabelValues(kindLedgerMismatch).Set(float64(len(rep.LedgerMismatches)))
	findings.WithLabelValues(kindEscrowDrift).Set(float64(len(rep.EscrowDrift)))
	findings.WithLabelValues(kindOrphanedHold).Set(float64(len(rep.OrphanedHolds)))
}
