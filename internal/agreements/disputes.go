package agreements

import (
	"context"
	"fmt"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/wallet"
)

// FreezeTx marks the agreement, and the milestone when one is named, as
// disputed inside the caller's transaction.
func (s *Service) FreezeTx(ctx context.Context, tx docstore.Tx, agreementID, milestoneID, disputeID string) (*Agreement, *Milestone, error) {
	a, err := LoadAgreement(ctx, tx, agreementID)
	if err != nil {
		return nil, nil, err
	}
	if err := workable(a); err != nil {
		return nil, nil, err
	}
	ms, err := LoadMilestones(ctx, tx, agreementID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	d := &dirtySet{agreement: true}
	var m *Milestone
	if milestoneID != "" {
		if m, err = findMilestone(ms, milestoneID); err != nil {
			return nil, nil, err
		}
		switch {
		case m.Status == MilestoneDisputed:
			return nil, nil, fmt.Errorf("%w: dispute %s", ErrDisputeInProgress, m.DisputeID)
		case m.IsClosed():
			return nil, nil, fmt.Errorf("%w: milestone is %s", ErrInvalidMilestone, m.Status)
		}
		m.PreDisputeStatus = m.Status
		m.Status = MilestoneDisputed
		m.DisputeID = disputeID
		d.touch(m)
	}
	if a.Status != StatusDisputed {
		a.PreDisputeStatus = a.Status
		a.Status = StatusDisputed
	}
	if err := d.flush(tx, a, now); err != nil {
		return nil, nil, err
	}
	return a, m, nil
}

// DisputeOutcome describes how a dispute ends for the agreement.
type DisputeOutcome struct {
	AgreementID string
	MilestoneID string
	DisputeID   string
	// ReleaseCents is paid from escrow to the milestone's payee.
	ReleaseCents int64
	// RefundCents returns escrow to the payer.
	RefundCents int64
	// DisputesOpen reports other unfinished disputes on the agreement.
	DisputesOpen bool
}

// Settlement is what ApplyOutcomeTx changed.
type Settlement struct {
	Agreement *Agreement          `json:"agreement"`
	Milestone *Milestone          `json:"milestone,omitempty"`
	Release   *wallet.Release     `json:"release,omitempty"`
	Refund    *ledger.Transaction `json:"refund,omitempty"`
}

// Stake is what a dispute on the milestone is about: its unpaid amount, or
// the agreement's remaining escrow when no milestone is named.
func Stake(a *Agreement, m *Milestone) int64 {
	if m == nil {
		return a.FundedCents
	}
	return m.Outstanding()
}

// ApplyOutcomeTx moves escrow as the dispute decided and settles the
// milestone and agreement inside the caller's transaction. A milestone
// that received money becomes paid, one fully refunded becomes completed,
// and one with no money moved returns to its pre-dispute status.
func (s *Service) ApplyOutcomeTx(ctx context.Context, tx docstore.Tx, o DisputeOutcome) (*Settlement, error) {
	if o.ReleaseCents < 0 || o.RefundCents < 0 {
		return nil, apperr.New(apperr.InvalidRequest, "settlement amounts cannot be negative")
	}
	a, err := LoadAgreement(ctx, tx, o.AgreementID)
	if err != nil {
		return nil, err
	}
	ms, err := LoadMilestones(ctx, tx, o.AgreementID)
	if err != nil {
		return nil, err
	}

	var m *Milestone
	if o.MilestoneID != "" {
		if m, err = findMilestone(ms, o.MilestoneID); err != nil {
			return nil, err
		}
		if m.Status != MilestoneDisputed || m.DisputeID != o.DisputeID {
			return nil, fmt.Errorf("%w: milestone is not frozen by dispute %s", ErrInvalidMilestone, o.DisputeID)
		}
		if o.ReleaseCents+o.RefundCents > m.Outstanding() {
			return nil, apperr.Newf(apperr.InvalidRequest, "settlement exceeds the %d cents at stake", m.Outstanding())
		}
	} else if o.ReleaseCents > 0 {
		return nil, apperr.New(apperr.InvalidRequest, "a release needs a milestone")
	}

	out := &Settlement{Agreement: a, Milestone: m}
	now := s.now()
	refs := wallet.Refs{AgreementID: a.ID, DisputeID: o.DisputeID}
	if m != nil {
		refs.MilestoneID = m.ID
	}

	if o.ReleaseCents > 0 {
		refs.Description = fmt.Sprintf("Dispute release for %q", m.Title)
		out.Release, err = s.wallet.ReleaseEscrowTx(ctx, tx, wallet.ReleaseRequest{
			PayerID:        a.PayerID(),
			PayeeID:        m.PayeeID,
			AmountCents:    o.ReleaseCents,
			Refs:           refs,
			IdempotencyKey: "dispute:" + o.DisputeID,
		})
		if err != nil {
			return nil, err
		}
		a.FundedCents -= o.ReleaseCents
	}
	if o.RefundCents > 0 {
		refs.Description = "Dispute refund"
		out.Refund, err = s.wallet.RefundEscrowTx(ctx, tx, a.PayerID(), o.RefundCents, refs)
		if err != nil {
			return nil, err
		}
		a.FundedCents -= o.RefundCents
	}

	d := &dirtySet{agreement: true}
	if m != nil {
		switch {
		case o.ReleaseCents > 0:
			s.markPaid(m, o.ReleaseCents, now)
		case o.RefundCents > 0 && o.RefundCents == m.Outstanding():
			m.Status = MilestoneCompleted
			m.CompletedAt = &now
		case m.PreDisputeStatus != "":
			m.Status = m.PreDisputeStatus
		default:
			m.Status = MilestonePending
		}
		m.PreDisputeStatus = ""
		m.DisputeID = ""
		d.touch(m)
	}
	s.settle(a, ms, o.DisputesOpen, now)
	if err := d.flush(tx, a, now); err != nil {
		return nil, err
	}
	return out, nil
}

// ObserveSettlement records metrics and notifies parties once the
// transaction that applied a settlement has committed.
func (s *Service) ObserveSettlement(ctx context.Context, st *Settlement) {
	if st == nil {
		return
	}
	s.wallet.ObserveRelease(st.Release)
	if st.Refund != nil {
		ledger.ObserveCommitted(st.Refund)
		refundedCents.Add(float64(st.Refund.AmountCents))
	}
	if st.Release != nil {
		releasedCents.WithLabelValues("dispute").Add(float64(st.Release.Payer.AmountCents))
	}
	s.afterPayment(ctx, st.Agreement, st.Milestone)
}
