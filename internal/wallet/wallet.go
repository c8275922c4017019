// Package wallet is the only component allowed to mutate balances.
//
// Every operation runs in one Ledger Store transaction that updates the
// affected wallets and appends their transaction records together, so
// balance == available + pending + escrow holds after every commit and
// replaying a wallet's log reproduces its fields exactly.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/rails"
)

// Collection is the document collection holding wallets.
const Collection = "wallets"

// Status of a wallet.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

// Failure reasons recorded on transactions the rails refused.
const (
	ReasonSourceAuthorization = "insufficient_source_authorization"
	ReasonRailUnavailable     = "rail_unavailable"
)

var (
	ErrWalletNotFound    = apperr.New(apperr.NotFound, "wallet not found")
	ErrInsufficientFunds = apperr.New(apperr.InsufficientFunds, "insufficient available balance")
	ErrInsufficientHold  = apperr.New(apperr.InsufficientFunds, "insufficient escrow held for this agreement")
	ErrDeactivated       = apperr.New(apperr.InvalidTransition, "wallet is deactivated")
	ErrInvalidAmount     = apperr.New(apperr.InvalidRequest, "amount must be a positive number of cents")
	ErrAmountBelowFees   = apperr.New(apperr.InvalidRequest, "amount does not cover fees")
	ErrUnsupportedSource = apperr.New(apperr.InvalidRequest, "unsupported payment source")
	ErrUnsupportedDest   = apperr.New(apperr.InvalidRequest, "unsupported payout destination")
	ErrSelfTransfer      = apperr.New(apperr.InvalidRequest, "payer and payee must differ")

	errMissingRef = apperr.New(apperr.InvalidRequest, "escrow requires an agreement reference")
)

// Wallet holds one user's balances. The id is the user id.
type Wallet struct {
	ID string `json:"id"`
	ledger.Balances
	// Holds earmarks escrow per agreement; their sum is Escrow.
	Holds         map[string]int64 `json:"holds"`
	Currency      string           `json:"currency"`
	Status        Status           `json:"status"`
	NextSequence  int64            `json:"nextSequence"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	DeactivatedAt *time.Time       `json:"deactivatedAt,omitempty"`
}

// Hold returns the escrow earmarked for agreementRef.
func (w *Wallet) Hold(agreementRef string) int64 {
	return w.Holds[agreementRef]
}

// check verifies the balance invariant and that holds add up to escrow.
func (w *Wallet) check() error {
	if err := w.Balances.Check(); err != nil {
		return err
	}
	var sum int64
	for _, h := range w.Holds {
		if h < 0 {
			return errors.New("wallet: negative hold")
		}
		sum += h
	}
	if sum != w.Escrow {
		return errors.New("wallet: holds do not add up to escrow balance")
	}
	return nil
}

// Source identifies where deposited funds come from.
type Source struct {
	Kind  string `json:"kind"`  // card | bank
	Token string `json:"token"` // processor payment method reference
}

// Destination identifies where withdrawn funds go.
type Destination struct {
	Kind    string `json:"kind"`    // bank | instant
	Account string `json:"account"` // processor account reference
}

// Refs link a money movement to the lifecycle objects that caused it.
type Refs struct {
	AgreementID string
	MilestoneID string
	DisputeID   string
	Description string
}

// Release is the outcome of settling escrow from payer to payee.
type Release struct {
	Payer *ledger.Transaction `json:"payerTransaction"`
	Payee *ledger.Transaction `json:"payeeTransaction"`
	Fee   *ledger.Transaction `json:"feeTransaction,omitempty"`
}

// Transactions lists the records in commit order.
func (r *Release) Transactions() []*ledger.Transaction {
	out := []*ledger.Transaction{r.Payer, r.Payee}
	if r.Fee != nil {
		out = append(out, r.Fee)
	}
	return out
}

// Engine implements wallet operations.
type Engine struct {
	store      docstore.Store
	rails      *rails.Registry
	fees       FeeSchedule
	platformID string
	currency   string
	events     events.Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates a wallet engine. platformID names the wallet credited
// with platform fees.
func NewEngine(store docstore.Store, registry *rails.Registry, fees FeeSchedule, platformID, currency string) *Engine {
	return &Engine{
		store:      store,
		rails:      registry,
		fees:       fees,
		platformID: platformID,
		currency:   currency,
		events:     events.Nop{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents sets the notifier for wallet events.
func (e *Engine) WithEvents(n events.Notifier) *Engine {
	e.events = n
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Fees returns the configured fee schedule.
func (e *Engine) Fees() FeeSchedule { return e.fees }

// PlatformWalletID returns the wallet credited with platform fees.
func (e *Engine) PlatformWalletID() string { return e.platformID }

// Currency returns the currency wallets are opened in.
func (e *Engine) Currency() string { return e.currency }

// Store exposes the Ledger Store so callers can compose Tx variants.
func (e *Engine) Store() docstore.Store { return e.store }

// GetWallet returns a user's wallet.
func (e *Engine) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := docstore.GetAs[Wallet](ctx, e.store, Collection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// ListTransactions returns a user's history, newest first.
func (e *Engine) ListTransactions(ctx context.Context, userID string, opts ledger.ListOptions) ([]*ledger.Transaction, error) {
	return ledger.List(ctx, e.store, userID, opts)
}

// Deactivate stops a wallet from taking new debits or credits. Escrow
// already held can still be released or refunded.
func (e *Engine) Deactivate(ctx context.Context, userID string) (*Wallet, error) {
	var out *Wallet
	err := e.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		s := e.session(ctx, tx)
		w, err := s.wallet(userID, false)
		if err != nil {
			return err
		}
		if w.Status == StatusDeactivated {
			return ErrDeactivated
		}
		now := s.now
		w.Status = StatusDeactivated
		w.DeactivatedAt = &now
		out = w
		return s.flush()
	})
	if err != nil {
		return nil, err
	}
	walletOps.WithLabelValues("deactivate", "ok").Inc()
	return out, nil
}

func (e *Engine) emit(ctx context.Context, typ events.Type, t *ledger.Transaction, title, msg string) {
	refs := map[string]string{"transactionId": t.ID}
	if t.AgreementID != "" {
		refs["agreementId"] = t.AgreementID
	}
	e.events.Emit(ctx, events.Event{Type: typ, UserID: t.WalletID, Title: title, Message: msg, Refs: refs})
}
