package wallet

import (
	"context"
	"errors"

	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/traces"
)

// HoldEscrow moves amount from available to escrow, earmarked for
// agreementRef.
func (e *Engine) HoldEscrow(ctx context.Context, userID string, amount int64, agreementRef string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.HoldEscrow",
		traces.UserID(userID), traces.AmountCents(amount), traces.AgreementID(agreementRef))
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("hold", outcome(err)).Inc()
	}()

	var t *ledger.Transaction
	err = e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		t, err = e.HoldEscrowTx(ctx, tx, userID, amount, Refs{AgreementID: agreementRef})
		return err
	})
	if err != nil {
		return nil, err
	}
	ledger.ObserveCommitted(t)
	return t, nil
}

// HoldEscrowTx is HoldEscrow inside the caller's transaction.
func (e *Engine) HoldEscrowTx(ctx context.Context, tx docstore.Tx, userID string, amount int64, refs Refs) (*ledger.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if refs.AgreementID == "" {
		return nil, errMissingRef
	}
	s := e.session(ctx, tx)
	w, err := s.active(userID)
	if err != nil {
		return nil, err
	}
	if w.Available < amount {
		return nil, ErrInsufficientFunds
	}
	t := s.apply(w, &ledger.Transaction{
		Type:        ledger.TypeEscrowHold,
		Status:      ledger.StatusCompleted,
		AmountCents: amount,
		NetCents:    amount,
		AgreementID: refs.AgreementID,
		MilestoneID: refs.MilestoneID,
		DisputeID:   refs.DisputeID,
		Description: describe(refs, "Escrow hold"),
	})
	if err := s.flush(); err != nil {
		return nil, err
	}
	return t, nil
}

// ReleaseRequest settles escrow from a payer's hold to a payee.
type ReleaseRequest struct {
	PayerID        string
	PayeeID        string
	AmountCents    int64
	Refs           Refs
	IdempotencyKey string
}

// ReleaseEscrow pays amount from the payer's hold for agreementRef to the
// payee, less the platform fee which is credited to the platform wallet.
// All three wallets and their records commit together.
func (e *Engine) ReleaseEscrow(ctx context.Context, payerID, payeeID string, amount int64, agreementRef, idempotencyKey string) (_ *Release, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.ReleaseEscrow",
		traces.UserID(payerID), traces.AmountCents(amount), traces.AgreementID(agreementRef))
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("release", outcome(err)).Inc()
	}()

	var rel *Release
	err = e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		rel, err = e.ReleaseEscrowTx(ctx, tx, ReleaseRequest{
			PayerID:        payerID,
			PayeeID:        payeeID,
			AmountCents:    amount,
			Refs:           Refs{AgreementID: agreementRef},
			IdempotencyKey: idempotencyKey,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.ObserveRelease(rel)
	return rel, nil
}

// ReleaseEscrowTx is ReleaseEscrow inside the caller's transaction. A key
// seen before returns the original release without moving money again.
func (e *Engine) ReleaseEscrowTx(ctx context.Context, tx docstore.Tx, req ReleaseRequest) (*Release, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Refs.AgreementID == "" {
		return nil, errMissingRef
	}
	if req.PayerID == req.PayeeID {
		return nil, ErrSelfTransfer
	}

	prior, err := replayed(ctx, tx, ScopeRelease, req.PayerID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if len(prior) >= 2 {
		rel := &Release{Payer: prior[0], Payee: prior[1]}
		if len(prior) > 2 {
			rel.Fee = prior[2]
		}
		return rel, nil
	}

	s := e.session(ctx, tx)
	payer, err := s.wallet(req.PayerID, false)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, ErrInsufficientHold
	}
	if err != nil {
		return nil, err
	}
	if payer.Hold(req.Refs.AgreementID) < req.AmountCents {
		return nil, ErrInsufficientHold
	}
	payee, err := s.wallet(req.PayeeID, true)
	if err != nil {
		return nil, err
	}

	fee := e.fees.Platform(req.AmountCents)
	net := req.AmountCents - fee

	rel := &Release{}
	rel.Payer = s.apply(payer, &ledger.Transaction{
		Type:           ledger.TypeEscrowRelease,
		Status:         ledger.StatusCompleted,
		AmountCents:    req.AmountCents,
		FeeCents:       fee,
		NetCents:       net,
		AgreementID:    req.Refs.AgreementID,
		MilestoneID:    req.Refs.MilestoneID,
		DisputeID:      req.Refs.DisputeID,
		CounterpartyID: req.PayeeID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    describe(req.Refs, "Escrow release"),
	})
	rel.Payee = s.apply(payee, &ledger.Transaction{
		Type:           ledger.TypeTransfer,
		Status:         ledger.StatusCompleted,
		AmountCents:    req.AmountCents,
		FeeCents:       fee,
		NetCents:       net,
		AgreementID:    req.Refs.AgreementID,
		MilestoneID:    req.Refs.MilestoneID,
		DisputeID:      req.Refs.DisputeID,
		CounterpartyID: req.PayerID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    describe(req.Refs, "Milestone payment"),
	})
	if fee > 0 {
		platform, err := s.wallet(e.platformID, true)
		if err != nil {
			return nil, err
		}
		rel.Fee = s.apply(platform, &ledger.Transaction{
			Type:           ledger.TypeFee,
			Status:         ledger.StatusCompleted,
			AmountCents:    fee,
			NetCents:       fee,
			AgreementID:    req.Refs.AgreementID,
			MilestoneID:    req.Refs.MilestoneID,
			CounterpartyID: req.PayerID,
			Description:    "Platform fee",
		})
	}

	if err := s.flush(); err != nil {
		return nil, err
	}
	if err := remember(tx, ScopeRelease, req.PayerID, req.IdempotencyKey, s.now, rel.Transactions()...); err != nil {
		return nil, err
	}
	return rel, nil
}

// ObserveRelease records metrics for a committed release.
func (e *Engine) ObserveRelease(rel *Release) {
	if rel == nil {
		return
	}
	ledger.ObserveCommitted(rel.Transactions()...)
	if rel.Fee != nil {
		feesCollected.WithLabelValues("platform").Add(float64(rel.Fee.AmountCents))
	}
}

// RefundEscrow returns amount from the hold for agreementRef to available.
func (e *Engine) RefundEscrow(ctx context.Context, userID string, amount int64, agreementRef string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.RefundEscrow",
		traces.UserID(userID), traces.AmountCents(amount), traces.AgreementID(agreementRef))
	defer func() {
		traces.End(span, err)
		walletOps.WithLabelValues("refund", outcome(err)).Inc()
	}()

	var t *ledger.Transaction
	err = e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		t, err = e.RefundEscrowTx(ctx, tx, userID, amount, Refs{AgreementID: agreementRef})
		return err
	})
	if err != nil {
		return nil, err
	}
	ledger.ObserveCommitted(t)
	return t, nil
}

// RefundEscrowTx is RefundEscrow inside the caller's transaction.
func (e *Engine) RefundEscrowTx(ctx context.Context, tx docstore.Tx, userID string, amount int64, refs Refs) (*ledger.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if refs.AgreementID == "" {
		return nil, errMissingRef
	}
	s := e.session(ctx, tx)
	w, err := s.wallet(userID, false)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, ErrInsufficientHold
	}
	if err != nil {
		return nil, err
	}
	if w.Hold(refs.AgreementID) < amount {
		return nil, ErrInsufficientHold
	}
	t := s.apply(w, &ledger.Transaction{
		Type:        ledger.TypeRefund,
		Status:      ledger.StatusCompleted,
		AmountCents: amount,
		NetCents:    amount,
		AgreementID: refs.AgreementID,
		MilestoneID: refs.MilestoneID,
		DisputeID:   refs.DisputeID,
		Description: describe(refs, "Escrow refund"),
	})
	if err := s.flush(); err != nil {
		return nil, err
	}
	return t, nil
}

func describe(refs Refs, fallback string) string {
	if refs.Description != "" {
		return refs.Description
	}
	return fallback
}
