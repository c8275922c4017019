package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/rails"
	"github.com/mbd888/milepay/internal/traces"
)

// Deposit charges src and credits amount minus the processing fee.
//
// The deposit is recorded as pending before the rail is called. A rail
// refusal marks it failed and returns it with a nil error; the caller reads
// the outcome from the transaction status.
func (e *Engine) Deposit(ctx context.Context, userID string, amount int64, src Source, idempotencyKey string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Deposit", traces.UserID(userID), traces.AmountCents(amount))
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("deposit", outcome(err)).Inc()
	}()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !e.rails.SupportsSource(src.Kind) {
		return nil, ErrUnsupportedSource
	}
	fee := e.fees.Deposit(src.Kind, amount)
	if fee >= amount {
		return nil, ErrAmountBelowFees
	}

	var pending *ledger.Transaction
	var replay bool
	err = e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		pending, replay = nil, false
		prior, err := replayed(ctx, tx, ScopeDeposit, userID, idempotencyKey)
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
		pending = s.apply(w, &ledger.Transaction{
			Type:           ledger.TypeDeposit,
			Status:         ledger.StatusPending,
			AmountCents:    amount,
			FeeCents:       fee,
			NetCents:       amount - fee,
			IdempotencyKey: idempotencyKey,
			Description:    fmt.Sprintf("Deposit from %s", src.Kind),
		})
		if err := s.flush(); err != nil {
			return err
		}
		return remember(tx, ScopeDeposit, userID, idempotencyKey, s.now, pending)
	})
	if err != nil {
		return nil, err
	}
	if replay {
		return pending, nil
	}

	res, railName, railErr := e.rails.Charge(ctx, src.Kind, rails.ChargeRequest{
		AmountCents:    amount,
		Currency:       e.currency,
		SourceToken:    src.Token,
		IdempotencyKey: pending.ID,
		Description:    pending.Description,
	})

	// The charge happened or definitively did not; record it even if the
	// caller went away.
	ctx = context.WithoutCancel(ctx)
	t, err := e.finish(ctx, pending.ID, ledger.TypeDeposit, func(s *session, w *Wallet, t *ledger.Transaction) error {
		t.Rail = railName
		if railErr != nil {
			t.FailureReason = e.failureReason(ctx, t, railErr)
			s.transition(w, t, ledger.StatusFailed)
			return nil
		}
		t.ExternalRef = res.ExternalRef
		s.transition(w, t, ledger.StatusCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ledger.ObserveCommitted(t)
	if t.Status == ledger.StatusCompleted {
		feesCollected.WithLabelValues("deposit").Add(float64(t.FeeCents))
		e.emit(ctx, events.WalletDepositCompleted, t, "Deposit completed",
			fmt.Sprintf("%s added to your wallet", FormatCents(t.NetCents, t.Currency)))
	} else {
		e.emit(ctx, events.WalletDepositFailed, t, "Deposit failed",
			"Your payment source was not charged. Please try another payment method.")
	}
	return t, nil
}

// finish loads a pending transaction of type typ, lets fn transition it,
// and commits. Transactions already out of pending fail with
// ledger.ErrNotPending.
func (e *Engine) finish(ctx context.Context, txID string, typ ledger.Type, fn func(s *session, w *Wallet, t *ledger.Transaction) error) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	err := e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		t, err := ledger.Get(ctx, tx, txID)
		if err != nil {
			return err
		}
		if t.Type != typ {
			return apperr.Newf(apperr.InvalidRequest, "transaction is not a %s", typ)
		}
		if t.Status != ledger.StatusPending {
			return ledger.ErrNotPending
		}
		s := e.session(ctx, tx)
		w, err := s.wallet(t.WalletID, false)
		if err != nil {
			return err
		}
		if err := fn(s, w, t); err != nil {
			return err
		}
		out = t
		return s.flush()
	})
	return out, err
}

func (e *Engine) failureReason(ctx context.Context, t *ledger.Transaction, err error) string {
	if errors.Is(err, rails.ErrDeclined) {
		return ReasonSourceAuthorization
	}
	e.logger.WarnContext(ctx, "payment rail unavailable", "transaction", t.ID, "type", t.Type, "error", err)
	return ReasonRailUnavailable
}

// FormatCents renders minor units for notification text.
func FormatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}
