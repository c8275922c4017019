package agreements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/rails"
	"github.com/mbd888/milepay/internal/wallet"
)

const (
	payer    = "client"
	payee    = "freelancer"
	platform = "platform"
)

type fixture struct {
	svc    *Service
	engine *wallet.Engine
	events *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sandbox := rails.NewSandboxRail()
	reg := rails.NewRegistry(nil).
		HandleSource(rails.SourceBank, sandbox).
		HandleSource(rails.SourceCard, sandbox).
		HandleDestination(rails.DestinationBank, sandbox)
	store := docstore.NewMemoryStore().WithRetry(50, time.Millisecond)
	rec := &events.Recorder{}
	engine := wallet.NewEngine(store, reg, wallet.DefaultFees(), platform, "USD").WithEvents(rec)
	svc := NewService(store, engine).WithEvents(rec)
	return &fixture{svc: svc, engine: engine, events: rec}
}

func (f *fixture) deposit(t *testing.T, user string, amount int64) {
	t.Helper()
	tx, err := f.engine.Deposit(context.Background(), user, amount, wallet.Source{Kind: rails.SourceBank, Token: "btok"}, "")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
}

func (f *fixture) balances(t *testing.T, user string) ledger.Balances {
	t.Helper()
	w, err := f.engine.GetWallet(context.Background(), user)
	require.NoError(t, err)
	return w.Balances
}

// activeAgreement creates and signs a two-milestone agreement.
func (f *fixture) activeAgreement(t *testing.T, amounts ...int64) (*Agreement, []*Milestone) {
	t.Helper()
	ctx := context.Background()
	var total int64
	inputs := make([]MilestoneInput, len(amounts))
	for i, amt := range amounts {
		total += amt
		inputs[i] = MilestoneInput{Title: "Phase", AmountCents: amt}
	}
	a, ms, err := f.svc.Create(ctx, payer, Terms{
		Title:           "Website redesign",
		TotalValueCents: total,
		Counterparties:  []string{payee},
	}, inputs)
	require.NoError(t, err)
	_, err = f.svc.Sign(ctx, a.ID, payer)
	require.NoError(t, err)
	a, err = f.svc.Sign(ctx, a.ID, payee)
	require.NoError(t, err)
	require.Equal(t, StatusActive, a.Status)
	return a, ms
}

func (f *fixture) submit(t *testing.T, a *Agreement, m *Milestone) {
	t.Helper()
	_, err := f.svc.SubmitMilestone(context.Background(), a.ID, m.ID, payee)
	require.NoError(t, err)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 300, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}, {Title: "b", AmountCents: 100}})
	assert.Equal(t, apperr.AmountMismatch, apperr.CodeOf(err))
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, _, err = f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err), "needs a counterparty")

	_, _, err = f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100, Counterparties: []string{payer}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err), "creator cannot be a counterparty")

	_, _, err = f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 150}, {Title: "b", AmountCents: -50}})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err), "amounts must be positive")

	_, _, err = f.svc.Create(ctx, payer, Terms{Title: "x", Currency: "EUR", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	_, _, err = f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100, Counterparties: []string{payee, "other"}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err), "payee must be named with several counterparties")
}

func TestCreate_CurrencyFollowsWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _, err := f.svc.Create(ctx, payer, Terms{Title: "x", Currency: "usd", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	require.NoError(t, err)
	assert.Equal(t, f.svc.Wallet().Currency(), a.Currency, "normalized to the wallet currency")

	a, _, err = f.svc.Create(ctx, payer, Terms{Title: "y", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	require.NoError(t, err)
	assert.Equal(t, "USD", a.Currency, "defaults to the wallet currency")
}

func TestCreate_Draft(t *testing.T) {
	f := newFixture(t)
	a, ms, err := f.svc.Create(context.Background(), payer, Terms{
		Title: "Logo", TotalValueCents: 1_000, Counterparties: []string{payee},
	}, []MilestoneInput{{Title: "Sketch", AmountCents: 400}, {Title: "Final", AmountCents: 600}})
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, a.Status)
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, 2, a.TotalMilestones)
	assert.Equal(t, int64(1_000), a.RemainingAmountCents)
	assert.ElementsMatch(t, []string{payer, payee}, a.ParticipantIDs)
	for _, p := range a.Parties {
		assert.False(t, p.HasSigned, "creating does not imply signing")
	}
	require.Len(t, ms, 2)
	assert.Equal(t, 1, ms[0].Sequence)
	assert.Equal(t, payee, ms[1].PayeeID)
	assert.Len(t, f.events.OfType(events.AgreementCreated), 1)

	listed, err := f.svc.ListForUser(context.Background(), payee, ListOptions{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, a.ID, listed[0].ID)

	listed, err = f.svc.ListForUser(context.Background(), "stranger", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = f.svc.Get(context.Background(), a.ID, "stranger", false)
	assert.ErrorIs(t, err, ErrAgreementNotFound)
	_, err = f.svc.Get(context.Background(), a.ID, "ops", true)
	assert.NoError(t, err)
}

func TestSign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _, err := f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	require.NoError(t, err)

	_, err = f.svc.Sign(ctx, a.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotParty)

	a, err = f.svc.Sign(ctx, a.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingSignatures, a.Status)
	assert.Nil(t, a.SignedAt)

	again, err := f.svc.Sign(ctx, a.ID, payer)
	require.NoError(t, err)
	assert.True(t, a.UpdatedAt.Equal(again.UpdatedAt), "re-signing writes nothing")

	a, err = f.svc.Sign(ctx, a.ID, payee)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, a.Status)
	assert.NotNil(t, a.SignedAt)
	assert.Len(t, f.events.OfType(events.AgreementActivated), 2, "one per party")

	_, err = f.svc.Sign(ctx, a.ID, payee)
	assert.NoError(t, err, "re-sign of an active agreement is a no-op")

	_, err = f.svc.Cancel(ctx, a.ID, payer, "changed my mind")
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _, err := f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, a.ID, payee, "")
	assert.ErrorIs(t, err, ErrNotCreator)
	_, err = f.svc.Cancel(ctx, a.ID, "stranger", "")
	assert.Equal(t, apperr.Unauthorized, apperr.CodeOf(err))

	a, err = f.svc.Cancel(ctx, a.ID, payer, "budget cut")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, a.Status)
	assert.Equal(t, "budget cut", a.CancellationReason)
	assert.True(t, a.IsTerminal())

	_, err = f.svc.Sign(ctx, a.ID, payee)
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))
	_, err = f.svc.Cancel(ctx, a.ID, payer, "")
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))
}

func TestFund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, payer, 1_000)
	a, _ := f.activeAgreement(t, 400, 600)

	_, err := f.svc.Fund(ctx, a.ID, payee, 0)
	assert.ErrorIs(t, err, ErrNotCreator)

	a, err = f.svc.Fund(ctx, a.ID, payer, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), a.FundedCents)

	_, err = f.svc.Fund(ctx, a.ID, payer, 800)
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err), "cannot over-fund")

	a, err = f.svc.Fund(ctx, a.ID, payer, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), a.FundedCents)

	_, err = f.svc.Fund(ctx, a.ID, payer, 0)
	assert.ErrorIs(t, err, ErrFullyFunded)

	w, err := f.engine.GetWallet(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), w.Hold(a.ID))
	assert.Equal(t, ledger.Balances{Balance: 1_000, Escrow: 1_000}, w.Balances)
}

func TestFund_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, payer, 100)
	a, _ := f.activeAgreement(t, 500)

	_, err := f.svc.Fund(context.Background(), a.ID, payer, 0)
	assert.Equal(t, apperr.InsufficientFunds, apperr.CodeOf(err))

	got, err := f.svc.Get(context.Background(), a.ID, payer, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.FundedCents, "failed hold leaves the agreement untouched")
}

func TestMilestoneTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, ms := f.activeAgreement(t, 100, 200)
	m := ms[0]

	_, err := f.svc.StartMilestone(ctx, a.ID, m.ID, payer)
	assert.ErrorIs(t, err, ErrNotPayee, "the creator does not perform work")
	_, err = f.svc.SubmitMilestone(ctx, a.ID, m.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.svc.SubmitMilestone(ctx, a.ID, "ms_nope", payee)
	assert.ErrorIs(t, err, ErrMilestoneNotFound)

	started, err := f.svc.StartMilestone(ctx, a.ID, m.ID, payee)
	require.NoError(t, err)
	assert.Equal(t, MilestoneInProgress, started.Status)
	got, err := f.svc.Get(ctx, a.ID, payer, false)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status, "work has begun")

	_, err = f.svc.StartMilestone(ctx, a.ID, m.ID, payee)
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))

	_, err = f.svc.RejectMilestone(ctx, a.ID, m.ID, payer, "too early")
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err), "only submissions can be rejected")

	f.submit(t, a, m)
	_, err = f.svc.RejectMilestone(ctx, a.ID, m.ID, payee, "nope")
	assert.ErrorIs(t, err, ErrNotCreator)
	_, err = f.svc.RejectMilestone(ctx, a.ID, m.ID, payer, " ")
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	rejected, err := f.svc.RejectMilestone(ctx, a.ID, m.ID, payer, "missing assets")
	require.NoError(t, err)
	assert.Equal(t, MilestoneInProgress, rejected.Status)
	assert.Equal(t, "missing assets", rejected.RejectionReason)
	assert.Len(t, f.events.OfType(events.MilestoneRejected), 1)

	// Submitting a pending milestone directly is allowed.
	submitted, err := f.svc.SubmitMilestone(ctx, a.ID, ms[1].ID, payee)
	require.NoError(t, err)
	assert.Equal(t, MilestoneSubmitted, submitted.Status)
	assert.NotNil(t, submitted.StartedAt)

	// Draft agreements take no work.
	draft, dms, err := f.svc.Create(ctx, payer, Terms{Title: "x", TotalValueCents: 100, Counterparties: []string{payee}},
		[]MilestoneInput{{Title: "a", AmountCents: 100}})
	require.NoError(t, err)
	_, err = f.svc.SubmitMilestone(ctx, draft.ID, dms[0].ID, payee)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

// The canonical end-to-end scenario: 300000 in two 150000 milestones.
func TestApprove_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deposit(t, payer, 300_000)
	a, ms := f.activeAgreement(t, 150_000, 150_000)
	a, err := f.svc.Fund(ctx, a.ID, payer, 300_000)
	require.NoError(t, err)
	assert.Equal(t, ledger.Balances{Balance: 300_000, Escrow: 300_000}, f.balances(t, payer))

	f.submit(t, a, ms[0])
	out, err := f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "")
	require.NoError(t, err)
	assert.Equal(t, MilestonePaid, out.Milestone.Status)
	assert.NotNil(t, out.Milestone.ApprovedAt)
	assert.Equal(t, int64(150_000), out.Agreement.PaidAmountCents)
	assert.Equal(t, int64(150_000), out.Agreement.RemainingAmountCents)
	assert.Equal(t, 50, out.Agreement.ProgressPercent)
	assert.Equal(t, 1, out.Agreement.CompletedMilestones)
	assert.Equal(t, StatusInProgress, out.Agreement.Status)
	require.NotNil(t, out.Release)
	assert.Equal(t, int64(3_750), out.Release.Payer.FeeCents)
	assert.Equal(t, ledger.Balances{Balance: 146_250, Available: 146_250}, f.balances(t, payee))

	f.submit(t, a, ms[1])
	out, err = f.svc.ApproveMilestone(ctx, a.ID, ms[1].ID, payer, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Agreement.Status)
	assert.Equal(t, 100, out.Agreement.ProgressPercent)
	assert.Equal(t, int64(300_000), out.Agreement.PaidAmountCents)
	assert.Equal(t, int64(0), out.Agreement.RemainingAmountCents)
	assert.Equal(t, int64(0), out.Agreement.FundedCents)
	assert.NotNil(t, out.Agreement.CompletedAt)

	assert.Equal(t, ledger.Balances{}, f.balances(t, payer), "creator escrow is drained")
	assert.Equal(t, ledger.Balances{Balance: 292_500, Available: 292_500}, f.balances(t, payee))
	assert.Equal(t, ledger.Balances{Balance: 7_500, Available: 7_500}, f.balances(t, platform))

	assert.Len(t, f.events.OfType(events.MilestonePaid), 4, "payee and creator per milestone")
	assert.Len(t, f.events.OfType(events.AgreementCompleted), 2)

	for _, u := range []string{payer, payee, platform} {
		res, err := f.engine.Reconcile(ctx, u)
		require.NoError(t, err)
		assert.True(t, res.Match, u)
	}
}

func TestApprove_TwiceIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, payer, 1_000)
	a, ms := f.activeAgreement(t, 400, 600)
	_, err := f.svc.Fund(ctx, a.ID, payer, 0)
	require.NoError(t, err)
	f.submit(t, a, ms[0])

	_, err = f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "")
	require.NoError(t, err)
	_, err = f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "")
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))

	assert.Equal(t, int64(390), f.balances(t, payee).Balance, "paid once")
	assert.Equal(t, int64(600), f.balances(t, payer).Escrow)
}

func TestApprove_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, payer, 1_000)
	a, ms := f.activeAgreement(t, 400, 600)
	_, err := f.svc.Fund(ctx, a.ID, payer, 0)
	require.NoError(t, err)
	f.submit(t, a, ms[0])

	first, err := f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "approve-1")
	require.NoError(t, err)
	again, err := f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "approve-1")
	require.NoError(t, err)
	assert.Equal(t, first.Milestone.ID, again.Milestone.ID)
	assert.Equal(t, MilestonePaid, again.Milestone.Status)
	assert.Equal(t, int64(390), f.balances(t, payee).Balance)

	_, err = f.svc.ApproveMilestone(ctx, a.ID, ms[1].ID, payer, "approve-1")
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))
}

func TestApprove_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, payer, 100)
	a, ms := f.activeAgreement(t, 500)

	_, err := f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "")
	assert.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err), "not submitted yet")

	f.submit(t, a, ms[0])
	_, err = f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payee, "")
	assert.ErrorIs(t, err, ErrNotCreator)

	// Unfunded: the wallet step fails and nothing changes.
	_, err = f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payer, "")
	assert.Equal(t, apperr.InsufficientFunds, apperr.CodeOf(err))
	got, err := f.svc.ListMilestones(ctx, a.ID, payer, false)
	require.NoError(t, err)
	assert.Equal(t, MilestoneSubmitted, got[0].Status)
	agr, err := f.svc.Get(ctx, a.ID, payer, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agr.PaidAmountCents)
	assert.Equal(t, 0, agr.ProgressPercent)
}

type stubGate struct {
	dispute string
}

func (g stubGate) BlockingDispute(context.Context, docstore.Reader, string, string) (string, error) {
	return g.dispute, nil
}

func (g stubGate) OpenDisputes(context.Context, docstore.Reader, string) (int, error) {
	if g.dispute == "" {
		return 0, nil
	}
	return 1, nil
}

func TestApprove_DisputeGateComesFirst(t *testing.T) {
	f := newFixture(t)
	f.svc.WithDisputeGate(stubGate{dispute: "dsp_1"})
	ctx := context.Background()
	a, ms := f.activeAgreement(t, 500)

	// Even a non-submitted milestone and a non-creator see the gate.
	_, err := f.svc.ApproveMilestone(ctx, a.ID, ms[0].ID, payee, "")
	assert.Equal(t, apperr.DisputeInProgress, apperr.CodeOf(err))
	assert.ErrorIs(t, err, ErrDisputeInProgress)
}

func TestProgressPercent(t *testing.T) {
	cases := []struct{ done, total, want int }{
		{0, 0, 0},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{1, 8, 13},
		{99, 100, 99},
		{3, 3, 100},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, progressPercent(c.done, c.total), "%d/%d", c.done, c.total)
	}
}

func TestRecompute_RescansMilestones(t *testing.T) {
	a := &Agreement{TotalValueCents: 1_000, PaidAmountCents: 999, ProgressPercent: 42}
	ms := []*Milestone{
		{AmountCents: 300, PaidCents: 300, Status: MilestonePaid},
		{AmountCents: 300, Status: MilestoneCompleted},
		{AmountCents: 400, Status: MilestoneSubmitted},
	}
	Recompute(a, ms)
	assert.Equal(t, int64(300), a.PaidAmountCents)
	assert.Equal(t, int64(700), a.RemainingAmountCents)
	assert.Equal(t, 2, a.CompletedMilestones)
	assert.Equal(t, 3, a.TotalMilestones)
	assert.Equal(t, 67, a.ProgressPercent)
	assert.Equal(t, a.TotalValueCents, a.PaidAmountCents+a.RemainingAmountCents)
	assert.Equal(t, int64(400), outstanding(ms))
}
