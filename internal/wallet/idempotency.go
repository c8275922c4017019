package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/ledger"
)

// IdempotencyCollection stores replay records for keyed operations.
const IdempotencyCollection = "idempotency_keys"

// Idempotency scopes.
const (
	ScopeDeposit  = "deposit"
	ScopeWithdraw = "withdraw"
	ScopeRelease  = "release"
)

type idempotencyRecord struct {
	ID             string    `json:"id"`
	Scope          string    `json:"scope"`
	UserID         string    `json:"userId"`
	Key            string    `json:"key"`
	TransactionIDs []string  `json:"transactionIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

func idempotencyID(scope, userID, key string) string {
	return scope + "|" + userID + "|" + key
}

// replayed returns the transactions recorded under key, or nil if the key
// is new. The read joins the transaction's read set, so two concurrent
// first uses of a key conflict and the loser replays the winner's result.
func replayed(ctx context.Context, tx docstore.Tx, scope, userID, key string) ([]*ledger.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := docstore.GetAs[idempotencyRecord](ctx, tx, IdempotencyCollection, idempotencyID(scope, userID, key))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*ledger.Transaction, 0, len(rec.TransactionIDs))
	for _, id := range rec.TransactionIDs {
		t, err := ledger.Get(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	idempotentReplays.WithLabelValues(scope).Inc()
	return out, nil
}

func remember(tx docstore.Tx, scope, userID, key string, now time.Time, txs ...*ledger.Transaction) error {
	if key == "" {
		return nil
	}
	rec := idempotencyRecord{
		ID:        idempotencyID(scope, userID, key),
		Scope:     scope,
		UserID:    userID,
		Key:       key,
		CreatedAt: now,
	}
	for _, t := range txs {
		rec.TransactionIDs = append(rec.TransactionIDs, t.ID)
	}
	return tx.Insert(IdempotencyCollection, rec.ID, rec)
}
