package wallet

import (
	"context"
	"fmt"

	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/rails"
	"github.com/mbd888/milepay/internal/traces"
)

// Withdraw moves amount from available to pending and requests a payout of
// amount minus the destination fee. The balance drops when the payout
// settles, not here: pending is part of the balance, so lowering it now
// would break balance == available + pending + escrow. A rail refusal
// returns the hold and marks the transaction failed.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount int64, dest Destination, idempotencyKey string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Withdraw", traces.UserID(userID), traces.AmountCents(amount))
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("withdraw", outcome(err)).Inc()
	}()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !e.rails.SupportsDestination(dest.Kind) {
		return nil, ErrUnsupportedDest
	}
	fee := e.fees.Withdrawal(dest.Kind, amount)
	if fee >= amount {
		return nil, ErrAmountBelowFees
	}

	var pending *ledger.Transaction
	var replay bool
	err = e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		pending, replay = nil, false
		prior, err := replayed(ctx, tx, ScopeWithdraw, userID, idempotencyKey)
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			pending, replay = prior[0], true
			return nil
		}

		s := e.session(ctx, tx)
		w, err := s.active(userID)
		if err != nil {
			return err
		}
		if w.Available < amount {
			return ErrInsufficientFunds
		}
		pending = s.apply(w, &ledger.Transaction{
			Type:           ledger.TypeWithdrawal,
			Status:         ledger.StatusPending,
			AmountCents:    amount,
			FeeCents:       fee,
			NetCents:       amount - fee,
			IdempotencyKey: idempotencyKey,
			Description:    fmt.Sprintf("Withdrawal to %s", dest.Kind),
		})
		if err := s.flush(); err != nil {
			return err
		}
		return remember(tx, ScopeWithdraw, userID, idempotencyKey, s.now, pending)
	})
	if err != nil {
		return nil, err
	}
	if replay {
		return pending, nil
	}

	res, railName, railErr := e.rails.Payout(ctx, dest.Kind, rails.PayoutRequest{
		AmountCents:    pending.NetCents,
		Currency:       e.currency,
		Destination:    dest.Account,
		IdempotencyKey: pending.ID,
		Description:    pending.Description,
	})

	ctx = context.WithoutCancel(ctx)
	t, err := e.finish(ctx, pending.ID, ledger.TypeWithdrawal, func(s *session, w *Wallet, t *ledger.Transaction) error {
		t.Rail = railName
		switch {
		case railErr != nil:
			t.FailureReason = e.failureReason(ctx, t, railErr)
			s.transition(w, t, ledger.StatusFailed)
		case res.Settled:
			t.ExternalRef = res.ExternalRef
			return s.settleWithdrawal(w, t)
		default:
			t.ExternalRef = res.ExternalRef
			t.UpdatedAt = s.now
			s.updated = append(s.updated, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterWithdrawal(ctx, t)
	return t, nil
}

// SettleWithdrawal completes a pending withdrawal once the rail confirms
// the payout: pending and balance drop by the amount and any fee is
// credited to the platform wallet.
func (e *Engine) SettleWithdrawal(ctx context.Context, txID string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.SettleWithdrawal")
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("settle_withdrawal", outcome(err)).Inc()
	}()

	t, err := e.finish(ctx, txID, ledger.TypeWithdrawal, func(s *session, w *Wallet, t *ledger.Transaction) error {
		return s.settleWithdrawal(w, t)
	})
	if err != nil {
		return nil, err
	}
	e.afterWithdrawal(ctx, t)
	return t, nil
}

// FailWithdrawal returns a pending withdrawal's hold to available.
func (e *Engine) FailWithdrawal(ctx context.Context, txID, reason string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.FailWithdrawal")
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("fail_withdrawal", outcome(err)).Inc()
	}()

	if reason == "" {
		reason = "payout_failed"
	}
	t, err := e.finish(ctx, txID, ledger.TypeWithdrawal, func(s *session, w *Wallet, t *ledger.Transaction) error {
		t.FailureReason = reason
		s.transition(w, t, ledger.StatusFailed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterWithdrawal(ctx, t)
	return t, nil
}

// WithdrawalByExternalRef finds the withdrawal a rail callback refers to.
func (e *Engine) WithdrawalByExternalRef(ctx context.Context, ref string) (*ledger.Transaction, error) {
	txs, err := docstore.FindAs[ledger.Transaction](ctx, e.store, docstore.Query{
		Collection: ledger.Collection,
		Filters: []docstore.Filter{
			docstore.Where("externalRef", ref),
			docstore.Where("type", string(ledger.TypeWithdrawal)),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *session) settleWithdrawal(w *Wallet, t *ledger.Transaction) error {
	s.transition(w, t, ledger.StatusCompleted)
	if t.FeeCents == 0 {
		return nil
	}
	p, err := s.wallet(s.e.platformID, true)
	if err != nil {
		return err
	}
	s.apply(p, &ledger.Transaction{
		Type:           ledger.TypeFee,
		Status:         ledger.StatusCompleted,
		AmountCents:    t.FeeCents,
		NetCents:       t.FeeCents,
		CounterpartyID: w.ID,
		Description:    "Instant withdrawal fee",
	})
	return nil
}

func (e *Engine) afterWithdrawal(ctx context.Context, t *ledger.Transaction) {
	ledger.ObserveCommitted(t)
	switch t.Status {
	case ledger.StatusPending:
		e.emit(ctx, events.WalletWithdrawalRequested, t, "Withdrawal requested",
			fmt.Sprintf("%s is on its way", FormatCents(t.NetCents, t.Currency)))
	case ledger.StatusCompleted:
		feesCollected.WithLabelValues("withdrawal").Add(float64(t.FeeCents))
		e.emit(ctx, events.WalletWithdrawalSettled, t, "Withdrawal completed",
			fmt.Sprintf("%s was paid out", FormatCents(t.NetCents, t.Currency)))
	case ledger.StatusFailed:
		e.emit(ctx, events.WalletWithdrawalFailed, t, "Withdrawal failed",
			"The payout was refused and the funds are available again.")
	}
}
