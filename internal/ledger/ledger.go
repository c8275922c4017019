// Package ledger holds the append-only transaction log behind every wallet.
//
// Transactions are immutable apart from their status, which only changes in
// the same store transaction as the wallet mutation the new status implies.
// Replaying a wallet's transactions in sequence order reproduces its balance
// fields exactly.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
)

// Collection is the document collection holding transactions.
const Collection = "transactions"

// Type is the kind of balance-affecting event.
type Type string

const (
	TypeDeposit       Type = "deposit"
	TypeWithdrawal    Type = "withdrawal"
	TypeEscrowHold    Type = "escrow_hold"
	TypeEscrowRelease Type = "escrow_release"
	TypeTransfer      Type = "transfer"
	TypeRefund        Type = "refund"
	TypeFee           Type = "fee"
)

// Status is a transaction's settlement state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrTransactionNotFound = apperr.New(apperr.NotFound, "transaction not found")
	ErrNotPending          = apperr.New(apperr.InvalidTransition, "transaction is not pending")
)

// Transaction is one balance-affecting event on one wallet.
type Transaction struct {
	ID       string `json:"id"`
	WalletID string `json:"walletId"`
	Type     Type   `json:"type"`
	Status   Status `json:"status"`
	Currency string `json:"currency"`

	AmountCents   int64 `json:"amount"`
	FeeCents      int64 `json:"fee"`
	NetCents      int64 `json:"netAmount"`
	BalanceBefore int64 `json:"balanceBefore"`
	BalanceAfter  int64 `json:"balanceAfter"`

	// Sequence is the per-wallet commit order.
	Sequence int64 `json:"sequence"`

	AgreementID    string `json:"agreementId,omitempty"`
	MilestoneID    string `json:"milestoneId,omitempty"`
	DisputeID      string `json:"disputeId,omitempty"`
	CounterpartyID string `json:"counterpartyId,omitempty"`
	Rail           string `json:"rail,omitempty"`
	ExternalRef    string `json:"externalRef,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	FailureReason  string `json:"failureReason,omitempty"`
	Description    string `json:"description,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// IsTerminal reports whether the status can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status != StatusPending
}

// Balances are the four balance fields of a wallet.
type Balances struct {
	Balance   int64 `json:"balance"`
	Available int64 `json:"availableBalance"`
	Pending   int64 `json:"pendingBalance"`
	Escrow    int64 `json:"escrowBalance"`
}

// Check verifies balance == available + pending + escrow with no negatives.
func (b Balances) Check() error {
	if b.Available < 0 || b.Pending < 0 || b.Escrow < 0 {
		return fmt.Errorf("ledger: negative balance field: %+v", b)
	}
	if b.Balance != b.Available+b.Pending+b.Escrow {
		return fmt.Errorf("ledger: balance %d != available %d + pending %d + escrow %d",
			b.Balance, b.Available, b.Pending, b.Escrow)
	}
	return nil
}

// Add returns the field-wise sum.
func (b Balances) Add(o Balances) Balances {
	return Balances{
		Balance:   b.Balance + o.Balance,
		Available: b.Available + o.Available,
		Pending:   b.Pending + o.Pending,
		Escrow:    b.Escrow + o.Escrow,
	}
}

// Sub returns the field-wise difference.
func (b Balances) Sub(o Balances) Balances {
	return Balances{
		Balance:   b.Balance - o.Balance,
		Available: b.Available - o.Available,
		Pending:   b.Pending - o.Pending,
		Escrow:    b.Escrow - o.Escrow,
	}
}

// Record appends a new transaction inside tx.
func Record(tx docstore.Tx, t *Transaction) error {
	return tx.Insert(Collection, t.ID, t)
}

// Save persists a status change on a transaction previously read through tx.
func Save(tx docstore.Tx, t *Transaction) error {
	return tx.Update(Collection, t.ID, t)
}

// Get reads one transaction.
func Get(ctx context.Context, r docstore.Reader, id string) (*Transaction, error) {
	t, err := docstore.GetAs[Transaction](ctx, r, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// ListOptions narrows a wallet history query.
type ListOptions struct {
	Since          time.Time // exclusive lower bound on creation time
	BeforeSequence int64     // only sequences below this, 0 for none
	Type           Type
	Limit          int
}

// List returns a wallet's transactions, newest first.
func List(ctx context.Context, r docstore.Reader, walletID string, opts ListOptions) ([]*Transaction, error) {
	defer observeOp("list")()

	q := docstore.Query{
		Collection:   Collection,
		Filters:      []docstore.Filter{docstore.Where("walletId", walletID)},
		CreatedAfter: opts.Since,
		OrderBy:      "sequence",
		Desc:         true,
		Limit:        opts.Limit,
	}
	if opts.BeforeSequence > 0 {
		q.Filters = append(q.Filters, docstore.Less("sequence", opts.BeforeSequence))
	}
	if opts.Type != "" {
		q.Filters = append(q.Filters, docstore.Where("type", string(opts.Type)))
	}
	return docstore.FindAs[Transaction](ctx, r, q)
}

// All returns every transaction of a wallet in sequence order.
func All(ctx context.Context, r docstore.Reader, walletID string) ([]*Transaction, error) {
	return docstore.FindAs[Transaction](ctx, r, docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Where("walletId", walletID)},
		OrderBy:    "sequence",
	})
}
