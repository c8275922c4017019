package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/traces"
)

const reconcileSnapshotAttempts = 3

// Reconcile replays a wallet's transaction log and compares the result with
// its stored balances and holds.
func (e *Engine) Reconcile(ctx context.Context, userID string) (_ *ledger.ReconciliationResult, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Reconcile", traces.UserID(userID))
	defer func() { traces.End(span, err) }()

	// The wallet and its log are read separately, so retry until the
	// wallet version is unchanged across the log read.
	for attempt := 0; attempt < reconcileSnapshotAttempts; attempt++ {
		before, err := e.store.Get(ctx, Collection, userID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil, ErrWalletNotFound
			}
			return nil, err
		}
		txs, err := ledger.All(ctx, e.store, userID)
		if err != nil {
			return nil, err
		}
		after, err := e.store.Get(ctx, Collection, userID)
		if err != nil {
			return nil, err
		}
		if before.Version != after.Version {
			continue
		}
		var w Wallet
		if err := after.Decode(&w); err != nil {
			return nil, err
		}
		return ledger.Reconcile(w.ID, w.Balances, w.Holds, txs), nil
	}
	return nil, fmt.Errorf("wallet %s: no stable snapshot after %d attempts", userID, reconcileSnapshotAttempts)
}

// Summary is the outcome of reconciling every wallet.
type Summary struct {
	Wallets    int                            `json:"wallets"`
	Mismatches []*ledger.ReconciliationResult `json:"mismatches"`
	Totals     ledger.Balances                `json:"totals"`
}

// ReconcileAll reconciles every wallet and sums their balances.
func (e *Engine) ReconcileAll(ctx context.Context) (*Summary, error) {
	wallets, err := docstore.FindAs[Wallet](ctx, e.store, docstore.Query{Collection: Collection})
	if err != nil {
		return nil, err
	}
	sum := &Summary{Mismatches: []*ledger.ReconciliationResult{}}
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.Reconcile(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		sum.Wallets++
		sum.Totals = sum.Totals.Add(res.Actual)
		if !res.Match {
			sum.Mismatches = append(sum.Mismatches, res)
		}
	}
	ledger.SetTotals(sum.Totals)
	return sum, nil
}
