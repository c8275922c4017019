package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/rails"
)

const platform = "platform"

func newTestEngine(t *testing.T) (*Engine, *events.Recorder) {
	t.Helper()
	sandbox := rails.NewSandboxRail()
	reg := rails.NewRegistry(nil).
		HandleSource(rails.SourceCard, sandbox).
		HandleSource(rails.SourceBank, sandbox).
		HandleDestination(rails.DestinationBank, sandbox).
		HandleDestination(rails.DestinationInstant, sandbox)
	rec := &events.Recorder{}
	store := docstore.NewMemoryStore().WithRetry(100, time.Millisecond)
	e := NewEngine(store, reg, DefaultFees(), platform, "USD").WithEvents(rec)
	return e, rec
}

func fund(t *testing.T, e *Engine, user string, amount int64) {
	t.Helper()
	tx, err := e.Deposit(context.Background(), user, amount, Source{Kind: rails.SourceBank, Token: "btok_ok"}, "")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
}

func mustWallet(t *testing.T, e *Engine, user string) *Wallet {
	t.Helper()
	w, err := e.GetWallet(context.Background(), user)
	require.NoError(t, err)
	require.NoError(t, w.check())
	return w
}

func assertReconciled(t *testing.T, e *Engine, users ...string) {
	t.Helper()
	for _, u := range users {
		res, err := e.Reconcile(context.Background(), u)
		require.NoError(t, err)
		assert.True(t, res.Match, "wallet %s does not replay: %+v", u, res)
	}
}

func TestDeposit_CardChargesFee(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()

	tx, err := e.Deposit(ctx, "alice", 10_000, Source{Kind: rails.SourceCard, Token: "tok_visa"}, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, int64(320), tx.FeeCents)
	assert.Equal(t, int64(9_680), tx.NetCents)
	assert.Equal(t, int64(0), tx.BalanceBefore)
	assert.Equal(t, int64(9_680), tx.BalanceAfter)
	assert.Equal(t, "sandbox", tx.Rail)
	assert.NotEmpty(t, tx.ExternalRef)
	assert.NotNil(t, tx.SettledAt)

	w := mustWallet(t, e, "alice")
	assert.Equal(t, ledger.Balances{Balance: 9_680, Available: 9_680}, w.Balances)
	assert.Equal(t, StatusActive, w.Status)
	assert.Len(t, rec.OfType(events.WalletDepositCompleted), 1)
	assertReconciled(t, e, "alice")
}

func TestDeposit_DeclinedIsFailedTransaction(t *testing.T) {
	e, rec := newTestEngine(t)

	tx, err := e.Deposit(context.Background(), "alice", 5_000, Source{Kind: rails.SourceCard, Token: rails.SandboxDeclineToken}, "")
	require.NoError(t, err, "a decline is reported on the transaction")
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, ReasonSourceAuthorization, tx.FailureReason)

	w := mustWallet(t, e, "alice")
	assert.Equal(t, ledger.Balances{}, w.Balances)
	assert.Len(t, rec.OfType(events.WalletDepositFailed), 1)
	assertReconciled(t, e, "alice")
}

func TestDeposit_RailOutage(t *testing.T) {
	e, _ := newTestEngine(t)
	tx, err := e.Deposit(context.Background(), "alice", 5_000, Source{Kind: rails.SourceCard, Token: rails.SandboxOutageToken}, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, ReasonRailUnavailable, tx.FailureReason)
}

func TestDeposit_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	src := Source{Kind: rails.SourceBank, Token: "btok"}

	first, err := e.Deposit(ctx, "alice", 2_500, src, "key-1")
	require.NoError(t, err)
	again, err := e.Deposit(ctx, "alice", 2_500, src, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, ledger.StatusCompleted, again.Status)

	// Keys are per user.
	other, err := e.Deposit(ctx, "bob", 2_500, src, "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	assert.Equal(t, int64(2_500), mustWallet(t, e, "alice").Balance)
}

func TestDeposit_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", 0, Source{Kind: rails.SourceBank}, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Deposit(ctx, "alice", 30, Source{Kind: rails.SourceCard, Token: "tok"}, "")
	assert.ErrorIs(t, err, ErrAmountBelowFees)

	_, err = e.Deposit(ctx, "alice", 100, Source{Kind: "crypto"}, "")
	assert.ErrorIs(t, err, ErrUnsupportedSource)

	_, err = e.GetWallet(ctx, "alice")
	assert.ErrorIs(t, err, ErrWalletNotFound, "rejected requests open no wallet")
}

func TestEngine_Currency(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, "USD", e.Currency())

	fund(t, e, "alice", 500)
	assert.Equal(t, e.Currency(), mustWallet(t, e, "alice").Currency, "wallets open in the engine currency")
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "alice", 1_000)

	_, err := e.Withdraw(context.Background(), "alice", 1_001, Destination{Kind: rails.DestinationBank, Account: "ba_1"}, "")
	assert.Equal(t, apperr.InsufficientFunds, apperr.CodeOf(err))
	assert.Equal(t, ledger.Balances{Balance: 1_000, Available: 1_000}, mustWallet(t, e, "alice").Balances)

	_, err = e.Withdraw(context.Background(), "nobody", 1, Destination{Kind: rails.DestinationBank, Account: "ba_1"}, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestWithdraw_BankSettlesLater(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 10_000)

	tx, err := e.Withdraw(ctx, "alice", 4_000, Destination{Kind: rails.DestinationBank, Account: "ba_1"}, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.NotEmpty(t, tx.ExternalRef)
	assert.Equal(t, ledger.Balances{Balance: 10_000, Available: 6_000, Pending: 4_000}, mustWallet(t, e, "alice").Balances)
	assertReconciled(t, e, "alice")

	found, err := e.WithdrawalByExternalRef(ctx, tx.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found.ID)

	settled, err := e.SettleWithdrawal(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, settled.Status)
	assert.Equal(t, int64(10_000), settled.BalanceBefore)
	assert.Equal(t, int64(6_000), settled.BalanceAfter)
	assert.Equal(t, ledger.Balances{Balance: 6_000, Available: 6_000}, mustWallet(t, e, "alice").Balances)

	_, err = e.SettleWithdrawal(ctx, tx.ID)
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))

	assert.Len(t, rec.OfType(events.WalletWithdrawalRequested), 1)
	assert.Len(t, rec.OfType(events.WalletWithdrawalSettled), 1)
	assertReconciled(t, e, "alice")
}

func TestWithdraw_InstantCreditsPlatformFee(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "alice", 10_000)

	tx, err := e.Withdraw(context.Background(), "alice", 5_000, Destination{Kind: rails.DestinationInstant, Account: "card_1"}, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, int64(50), tx.FeeCents)
	assert.Equal(t, int64(4_950), tx.NetCents)

	assert.Equal(t, ledger.Balances{Balance: 5_000, Available: 5_000}, mustWallet(t, e, "alice").Balances)
	assert.Equal(t, ledger.Balances{Balance: 50, Available: 50}, mustWallet(t, e, platform).Balances)
	assertReconciled(t, e, "alice", platform)
}

func TestWithdraw_RejectedReturnsHold(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "alice", 3_000)

	tx, err := e.Withdraw(context.Background(), "alice", 3_000, Destination{Kind: rails.DestinationBank, Account: rails.SandboxRejectAccount}, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Equal(t, ReasonSourceAuthorization, tx.FailureReason)
	assert.Equal(t, ledger.Balances{Balance: 3_000, Available: 3_000}, mustWallet(t, e, "alice").Balances)
	assertReconciled(t, e, "alice")
}

func TestFailWithdrawal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 3_000)

	tx, err := e.Withdraw(ctx, "alice", 1_000, Destination{Kind: rails.DestinationBank, Account: "ba"}, "")
	require.NoError(t, err)

	failed, err := e.FailWithdrawal(ctx, tx.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "payout_failed", failed.FailureReason)
	assert.Equal(t, ledger.Balances{Balance: 3_000, Available: 3_000}, mustWallet(t, e, "alice").Balances)

	_, err = e.SettleWithdrawal(ctx, tx.ID)
	assert.ErrorIs(t, err, ledger.ErrNotPending)
	assertReconciled(t, e, "alice")
}

func TestWithdraw_ConcurrentNeverOverdraws(t *testing.T) {
	e, _ := newTestEngine(t)
	fund(t, e, "alice", 10_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Withdraw(context.Background(), "alice", 3_000, Destination{Kind: rails.DestinationBank, Account: "ba"}, "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.Equal(t, apperr.InsufficientFunds, apperr.CodeOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	w := mustWallet(t, e, "alice")
	assert.Equal(t, ledger.Balances{Balance: 10_000, Available: 1_000, Pending: 9_000}, w.Balances)
	assertReconciled(t, e, "alice")
}

func TestEscrow_HoldReleaseRefund(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "payer", 400_000)

	_, err := e.HoldEscrow(ctx, "payer", 500_000, "agr_1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	hold, err := e.HoldEscrow(ctx, "payer", 300_000, "agr_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeEscrowHold, hold.Type)
	_, err = e.HoldEscrow(ctx, "payer", 50_000, "agr_2")
	require.NoError(t, err)

	w := mustWallet(t, e, "payer")
	assert.Equal(t, ledger.Balances{Balance: 400_000, Available: 50_000, Escrow: 350_000}, w.Balances)
	assert.Equal(t, map[string]int64{"agr_1": 300_000, "agr_2": 50_000}, w.Holds)

	// agr_2's hold cannot fund agr_1 beyond its own earmark.
	_, err = e.ReleaseEscrow(ctx, "payer", "payee", 60_000, "agr_2", "")
	assert.ErrorIs(t, err, ErrInsufficientHold)

	rel, err := e.ReleaseEscrow(ctx, "payer", "payee", 150_000, "agr_1", "rel-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150_000), rel.Payer.AmountCents)
	assert.Equal(t, int64(3_750), rel.Payer.FeeCents)
	assert.Equal(t, int64(146_250), rel.Payee.NetCents)
	require.NotNil(t, rel.Fee)
	assert.Equal(t, int64(3_750), rel.Fee.AmountCents)

	again, err := e.ReleaseEscrow(ctx, "payer", "payee", 150_000, "agr_1", "rel-1")
	require.NoError(t, err)
	assert.Equal(t, rel.Payer.ID, again.Payer.ID)
	assert.Equal(t, rel.Fee.ID, again.Fee.ID)

	refund, err := e.RefundEscrow(ctx, "payer", 50_000, "agr_2")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeRefund, refund.Type)

	payer := mustWallet(t, e, "payer")
	assert.Equal(t, ledger.Balances{Balance: 250_000, Available: 100_000, Escrow: 150_000}, payer.Balances)
	assert.Equal(t, map[string]int64{"agr_1": 150_000}, payer.Holds)
	assert.Equal(t, ledger.Balances{Balance: 146_250, Available: 146_250}, mustWallet(t, e, "payee").Balances)
	assert.Equal(t, ledger.Balances{Balance: 3_750, Available: 3_750}, mustWallet(t, e, platform).Balances)

	// Conservation: everything deposited is still somewhere.
	total := payer.Balance + mustWallet(t, e, "payee").Balance + mustWallet(t, e, platform).Balance
	assert.Equal(t, int64(400_000), total)
	assertReconciled(t, e, "payer", "payee", platform)

	_, err = e.RefundEscrow(ctx, "payer", 150_001, "agr_1")
	assert.ErrorIs(t, err, ErrInsufficientHold)
	_, err = e.ReleaseEscrow(ctx, "payer", "payer", 1, "agr_1", "")
	assert.ErrorIs(t, err, ErrSelfTransfer)
}

func TestEscrow_TxVariantsComposeAtomically(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "payer", 10_000)
	_, err := e.HoldEscrow(ctx, "payer", 10_000, "agr_1")
	require.NoError(t, err)

	// A release followed by a failing step leaves nothing changed.
	err = e.Store().RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := e.ReleaseEscrowTx(ctx, tx, ReleaseRequest{
			PayerID: "payer", PayeeID: "payee", AmountCents: 6_000, Refs: Refs{AgreementID: "agr_1"},
		}); err != nil {
			return err
		}
		_, err := e.RefundEscrowTx(ctx, tx, "payer", 5_000, Refs{AgreementID: "agr_1"})
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientHold)
	assert.Equal(t, ledger.Balances{Balance: 10_000, Escrow: 10_000}, mustWallet(t, e, "payer").Balances)
	_, err = e.GetWallet(ctx, "payee")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	// Split inside one transaction.
	err = e.Store().RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := e.ReleaseEscrowTx(ctx, tx, ReleaseRequest{
			PayerID: "payer", PayeeID: "payee", AmountCents: 6_000, Refs: Refs{AgreementID: "agr_1"},
		}); err != nil {
			return err
		}
		_, err := e.RefundEscrowTx(ctx, tx, "payer", 4_000, Refs{AgreementID: "agr_1"})
		return err
	})
	require.NoError(t, err)
	payer := mustWallet(t, e, "payer")
	assert.Equal(t, ledger.Balances{Balance: 4_000, Available: 4_000}, payer.Balances)
	assert.Empty(t, payer.Holds)
	assert.Equal(t, int64(5_850), mustWallet(t, e, "payee").Balance)
	assertReconciled(t, e, "payer", "payee", platform)
}

func TestDeactivate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "payer", 1_000)
	_, err := e.HoldEscrow(ctx, "payer", 600, "agr_1")
	require.NoError(t, err)

	w, err := e.Deactivate(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, StatusDeactivated, w.Status)
	assert.NotNil(t, w.DeactivatedAt)

	_, err = e.Deactivate(ctx, "payer")
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))

	_, err = e.Deposit(ctx, "payer", 100, Source{Kind: rails.SourceBank, Token: "b"}, "")
	assert.ErrorIs(t, err, ErrDeactivated)
	_, err = e.HoldEscrow(ctx, "payer", 100, "agr_2")
	assert.ErrorIs(t, err, ErrDeactivated)

	// Holds made before deactivation still settle.
	_, err = e.ReleaseEscrow(ctx, "payer", "payee", 600, "agr_1", "")
	require.NoError(t, err)

	_, err = e.Deactivate(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestReconcileAll(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "a", 1_000)
	fund(t, e, "b", 2_000)
	_, err := e.HoldEscrow(ctx, "b", 500, "agr_1")
	require.NoError(t, err)

	sum, err := e.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Wallets)
	assert.Empty(t, sum.Mismatches)
	assert.Equal(t, ledger.Balances{Balance: 3_000, Available: 2_500, Escrow: 500}, sum.Totals)

	// Corrupt a wallet behind the engine's back.
	err = e.Store().RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		w, err := docstore.GetAs[Wallet](ctx, tx, Collection, "a")
		if err != nil {
			return err
		}
		w.Balance += 1
		w.Available += 1
		return tx.Update(Collection, "a", w)
	})
	require.NoError(t, err)

	sum, err = e.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Mismatches, 1)
	assert.Equal(t, "a", sum.Mismatches[0].WalletID)
}

func TestListTransactions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 1_000)
	fund(t, e, "alice", 2_000)
	_, err := e.HoldEscrow(ctx, "alice", 500, "agr_1")
	require.NoError(t, err)

	txs, err := e.ListTransactions(ctx, "alice", ledger.ListOptions{})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.TypeEscrowHold, txs[0].Type)
	assert.Equal(t, []int64{3, 2, 1}, []int64{txs[0].Sequence, txs[1].Sequence, txs[2].Sequence})
}
