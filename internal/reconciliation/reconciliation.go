// Package reconciliation periodically checks that money is where the ledger
// says it is.
//
// Two checks run:
//   - every wallet's transaction log is replayed and compared with its
//     stored balances and per-agreement holds;
//   - every agreement's funded amount is compared with the escrow hold on
//     its payer's wallet, and holds pointing at unknown or finished
//     agreements are reported as orphaned.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbd888/milepay/internal/agreements"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/traces"
	"github.com/mbd888/milepay/internal/wallet"
)

// WalletReconciler replays every wallet.
type WalletReconciler interface {
	ReconcileAll(ctx context.Context) (*wallet.Summary, error)
}

// Drift is an agreement whose escrow hold disagrees with its funded amount.
type Drift struct {
	AgreementID string            `json:"agreementId"`
	PayerID     string            `json:"payerId"`
	Status      agreements.Status `json:"status,omitempty"`
	FundedCents int64             `json:"fundedCents"`
	HoldCents   int64             `json:"holdCents"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt        time.Time                      `json:"startedAt"`
	Duration         time.Duration                  `json:"durationNs"`
	Wallets          int                            `json:"wallets"`
	Agreements       int                            `json:"agreements"`
	Totals           ledger.Balances                `json:"totals"`
	LedgerMismatches []*ledger.ReconciliationResult `json:"ledgerMismatches"`
	EscrowDrift      []Drift                        `json:"escrowDrift"`
	OrphanedHolds    []Drift                        `json:"orphanedHolds"`
}

// OK reports whether the run found nothing wrong.
func (r *Report) OK() bool {
	return len(r.LedgerMismatches) == 0 && len(r.EscrowDrift) == 0 && len(r.OrphanedHolds) == 0
}

// Runner executes reconciliation runs and keeps the latest report.
type Runner struct {
	wallets WalletReconciler
	docs    docstore.Reader
	logger  *slog.Logger
	now     func() time.Time

	running atomic.Bool
	last    atomic.Pointer[Report]
}

// NewRunner creates a runner reading agreements and wallets from docs.
func NewRunner(wallets WalletReconciler, docs docstore.Reader, logger *slog.Logger) *Runner {
	return &Runner{wallets: wallets, docs: docs, logger: logger, now: time.Now}
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// ErrAlreadyRunning is returned when a run is requested while one is active.
var ErrAlreadyRunning = fmt.Errorf("reconciliation: run already in progress")

// RunAll performs every check and publishes the result as gauges.
func (r *Runner) RunAll(ctx context.Context) (_ *Report, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer func() {
		traces.End(span, err)
		if err != nil {
			runFailures.Inc()
		}
	}()

	rep := &Report{StartedAt: r.now().UTC(), EscrowDrift: []Drift{}, OrphanedHolds: []Drift{}}
	timer := time.Now()

	sum, err := r.wallets.ReconcileAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile wallets: %w", err)
	}
	rep.Wallets = sum.Wallets
	rep.Totals = sum.Totals
	rep.LedgerMismatches = sum.Mismatches

	if err := r.checkEscrow(ctx, rep); err != nil {
		return nil, fmt.Errorf("check escrow: %w", err)
	}

	rep.Duration = time.Since(timer)
	recordReport(rep)
	r.last.Store(rep)

	if rep.OK() {
		r.logger.Info("reconciliation passed", "wallets", rep.Wallets, "agreements", rep.Agreements,
			"duration", rep.Duration)
	} else {
		r.logger.Error("reconciliation found discrepancies",
			"ledgerMismatches", len(rep.LedgerMismatches),
			"escrowDrift", len(rep.EscrowDrift),
			"orphanedHolds", len(rep.OrphanedHolds))
	}
	return rep, nil
}

func (r *Runner) checkEscrow(ctx context.Context, rep *Report) error {
	wallets, err := docstore.FindAs[wallet.Wallet](ctx, r.docs, docstore.Query{Collection: wallet.Collection})
	if err != nil {
		return err
	}
	byID := make(map[string]*wallet.Wallet, len(wallets))
	for _, w := range wallets {
		byID[w.ID] = w
	}

	all, err := docstore.FindAs[agreements.Agreement](ctx, r.docs, docstore.Query{Collection: agreements.Collection})
	if err != nil {
		return err
	}
	rep.Agreements = len(all)

	known := make(map[string]*agreements.Agreement, len(all))
	for _, a := range all {
		known[a.ID] = a
		var hold int64
		if w, ok := byID[a.PayerID()]; ok {
			hold = w.Hold(a.ID)
		}
		if hold != a.FundedCents {
			rep.EscrowDrift = append(rep.EscrowDrift, Drift{
				AgreementID: a.ID, PayerID: a.PayerID(), Status: a.Status,
				FundedCents: a.FundedCents, HoldCents: hold,
			})
		}
	}

	for _, w := range wallets {
		for ref, cents := range w.Holds {
			if cents == 0 {
				continue
			}
			a, ok := known[ref]
			switch {
			case !ok:
				rep.OrphanedHolds = append(rep.OrphanedHolds, Drift{AgreementID: ref, PayerID: w.ID, HoldCents: cents})
			case a.PayerID() != w.ID || a.IsTerminal():
				rep.OrphanedHolds = append(rep.OrphanedHolds, Drift{
					AgreementID: ref, PayerID: w.ID, Status: a.Status,
					FundedCents: a.FundedCents, HoldCents: cents,
				})
			}
		}
	}
	sort.Slice(rep.OrphanedHolds, func(i, j int) bool {
		if rep.OrphanedHolds[i].PayerID != rep.OrphanedHolds[j].PayerID {
			return rep.OrphanedHolds[i].PayerID < rep.OrphanedHolds[j].PayerID
		}
		return rep.OrphanedHolds[i].AgreementID < rep.OrphanedHolds[j].AgreementID
	})
	return nil
}
