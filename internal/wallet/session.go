package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/idgen"
	"github.com/mbd888/milepay/internal/ledger"
)

// session stages wallet mutations inside one store transaction. Every
// balance change goes through apply or transition, which derive the delta
// from ledger.Effect so live state and replay cannot drift apart.
type session struct {
	ctx     context.Context
	tx      docstore.Tx
	e       *Engine
	now     time.Time
	wallets map[string]*Wallet
	created map[string]bool
	order   []string
	records []*ledger.Transaction
	updated []*ledger.Transaction
}

func (e *Engine) session(ctx context.Context, tx docstore.Tx) *session {
	return &session{
		ctx:     ctx,
		tx:      tx,
		e:       e,
		now:     e.now(),
		wallets: make(map[string]*Wallet),
		created: make(map[string]bool),
	}
}

// wallet loads a wallet once per session. With create, a missing wallet is
// opened empty and inserted at flush.
func (s *session) wallet(id string, create bool) (*Wallet, error) {
	if w, ok := s.wallets[id]; ok {
		return w, nil
	}
	w, err := docstore.GetAs[Wallet](s.ctx, s.tx, Collection, id)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		if !create {
			return nil, ErrWalletNotFound
		}
		w = &Wallet{
			ID:           id,
			Holds:        map[string]int64{},
			Currency:     s.e.currency,
			Status:       StatusActive,
			NextSequence: 1,
			CreatedAt:    s.now,
			UpdatedAt:    s.now,
		}
		s.created[id] = true
	case err != nil:
		return nil, err
	}
	if w.Holds == nil {
		w.Holds = map[string]int64{}
	}
	s.wallets[id] = w
	s.order = append(s.order, id)
	return w, nil
}

// active loads a wallet that must accept new debits and credits.
func (s *session) active(id string) (*Wallet, error) {
	w, err := s.wallet(id, true)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusActive {
		return nil, ErrDeactivated
	}
	return w, nil
}

// apply appends t to w's log and applies its effect.
func (s *session) apply(w *Wallet, t *ledger.Transaction) *ledger.Transaction {
	t.ID = idgen.WithPrefix("tx_")
	t.WalletID = w.ID
	t.Currency = w.Currency
	t.Sequence = w.NextSequence
	t.CreatedAt = s.now
	t.UpdatedAt = s.now
	if t.Status == ledger.StatusCompleted {
		now := s.now
		t.SettledAt = &now
	}
	w.NextSequence++

	t.BalanceBefore = w.Balance
	w.Balances = w.Balances.Add(ledger.Effect(t, t.Status))
	s.adjustHold(w, t.AgreementID, ledger.HoldDelta(t, t.Status))
	t.BalanceAfter = w.Balance

	w.UpdatedAt = s.now
	s.records = append(s.records, t)
	return t
}

// transition moves a recorded transaction to a new status and applies the
// difference in effect.
func (s *session) transition(w *Wallet, t *ledger.Transaction, to ledger.Status) {
	from := t.Status
	t.BalanceBefore = w.Balance
	w.Balances = w.Balances.Add(ledger.Effect(t, to)).Sub(ledger.Effect(t, from))
	s.adjustHold(w, t.AgreementID, ledger.HoldDelta(t, to)-ledger.HoldDelta(t, from))
	t.BalanceAfter = w.Balance

	t.Status = to
	t.UpdatedAt = s.now
	if to == ledger.StatusCompleted {
		now := s.now
		t.SettledAt = &now
	}
	w.UpdatedAt = s.now
	s.updated = append(s.updated, t)
}

func (s *session) adjustHold(w *Wallet, ref string, delta int64) {
	if delta == 0 {
		return
	}
	w.Holds[ref] += delta
	if w.Holds[ref] == 0 {
		delete(w.Holds, ref)
	}
}

// flush validates and writes every touched wallet and transaction.
func (s *session) flush() error {
	for _, id := range s.order {
		w := s.wallets[id]
		if err := w.check(); err != nil {
			return fmt.Errorf("wallet %s: %w", id, err)
		}
		var err error
		if s.created[id] {
			err = s.tx.Insert(Collection, id, w)
		} else {
			err = s.tx.Update(Collection, id, w)
		}
		if err != nil {
			return err
		}
	}
	for _, t := range s.records {
		if err := ledger.Record(s.tx, t); err != nil {
			return err
		}
	}
	for _, t := range s.updated {
		if err := ledger.Save(s.tx, t); err != nil {
			return err
		}
	}
	return nil
}
