package ledger

import (
	"sort"
	"time"
)

// Effect returns the change a transaction in the given status makes to its
// wallet's balances. Failed and cancelled transactions have no effect.
func Effect(t *Transaction, status Status) Balances {
	amt, net := t.AmountCents, t.NetCents

	switch status {
	case StatusPending:
		if t.Type == TypeWithdrawal {
			return Balances{Available: -amt, Pending: amt}
		}
		return Balances{}
	case StatusCompleted:
	default:
		return Balances{}
	}

	switch t.Type {
	case TypeDeposit, TypeTransfer, TypeFee:
		return Balances{Balance: net, Available: net}
	case TypeWithdrawal:
		return Balances{Balance: -amt, Available: -amt}
	case TypeEscrowHold:
		return Balances{Available: -amt, Escrow: amt}
	case TypeEscrowRelease:
		return Balances{Balance: -amt, Escrow: -amt}
	case TypeRefund:
		return Balances{Available: amt, Escrow: -amt}
	}
	return Balances{}
}

// HoldDelta returns the change a transaction in the given status makes to
// its agreement's escrow hold.
func HoldDelta(t *Transaction, status Status) int64 {
	if status != StatusCompleted || t.AgreementID == "" {
		return 0
	}
	switch t.Type {
	case TypeEscrowHold:
		return t.AmountCents
	case TypeEscrowRelease, TypeRefund:
		return -t.AmountCents
	}
	return 0
}

// Replayed is the state reconstructed from a transaction log.
type Replayed struct {
	Balances
	Holds map[string]int64 `json:"holds"`
}

// Replay reconstructs balances and per-agreement holds from a wallet's
// transactions, applied in sequence order.
func Replay(txs []*Transaction) Replayed {
	return replay(txs, func(t *Transaction) Status { return t.Status })
}

// ReplayAt reconstructs the state as of ts. Transactions created after ts
// are ignored; a withdrawal settled after ts counts as still pending.
func ReplayAt(txs []*Transaction, ts time.Time) Replayed {
	var visible []*Transaction
	for _, t := range txs {
		if !t.CreatedAt.After(ts) {
			visible = append(visible, t)
		}
	}
	return replay(visible, func(t *Transaction) Status {
		if t.SettledAt != nil && t.SettledAt.After(ts) {
			return StatusPending
		}
		return t.Status
	})
}

func replay(txs []*Transaction, statusOf func(*Transaction) Status) Replayed {
	ordered := make([]*Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	out := Replayed{Holds: make(map[string]int64)}
	for _, t := range ordered {
		st := statusOf(t)
		out.Balances = out.Balances.Add(Effect(t, st))
		if d := HoldDelta(t, st); d != 0 {
			out.Holds[t.AgreementID] += d
			if out.Holds[t.AgreementID] == 0 {
				delete(out.Holds, t.AgreementID)
			}
		}
	}
	return out
}

// ReconciliationResult compares replayed state with a wallet's stored fields.
type ReconciliationResult struct {
	WalletID string           `json:"walletId"`
	Match    bool             `json:"match"`
	Replayed Balances         `json:"replayed"`
	Actual   Balances         `json:"actual"`
	Holds    map[string]int64 `json:"holdMismatches,omitempty"`
}

// Reconcile replays txs and compares the result with the stored balances and
// holds. Hold mismatches are reported as replayed minus actual.
func Reconcile(walletID string, actual Balances, actualHolds map[string]int64, txs []*Transaction) *ReconciliationResult {
	r := Replay(txs)
	res := &ReconciliationResult{
		WalletID: walletID,
		Replayed: r.Balances,
		Actual:   actual,
	}

	diff := make(map[string]int64)
	for ref, amt := range r.Holds {
		if actualHolds[ref] != amt {
			diff[ref] = amt - actualHolds[ref]
		}
	}
	for ref, amt := range actualHolds {
		if _, ok := r.Holds[ref]; !ok && amt != 0 {
			diff[ref] = -amt
		}
	}
	if len(diff) > 0 {
		res.Holds = diff
	}
	res.Match = r.Balances == actual && len(diff) == 0
	return res
}
