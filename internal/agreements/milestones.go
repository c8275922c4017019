package agreements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/traces"
	"github.com/mbd888/milepay/internal/wallet"
)

// workable reports whether milestone work may proceed on the agreement.
// Disputes freeze individual milestones, not the whole agreement.
func workable(a *Agreement) error {
	switch a.Status {
	case StatusActive, StatusInProgress, StatusDisputed:
		return nil
	}
	return fmt.Errorf("%w: agreement is %s", ErrInvalidStatus, a.Status)
}

// beginWork moves an active agreement to in_progress.
func beginWork(a *Agreement, d *dirtySet) {
	if a.Status == StatusActive {
		a.Status = StatusInProgress
		d.agreement = true
	}
}

// StartMilestone marks a pending milestone as being worked on.
func (s *Service) StartMilestone(ctx context.Context, agreementID, milestoneID, actorID string) (_ *Milestone, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.StartMilestone", traces.AgreementID(agreementID), traces.MilestoneID(milestoneID))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("start_milestone", outcome(err)).Inc()
	}()

	var m *Milestone
	a, _, err := s.mutate(ctx, agreementID, func(_ context.Context, _ docstore.Tx, a *Agreement, ms []*Milestone, d *dirtySet) error {
		var err error
		if m, err = findMilestone(ms, milestoneID); err != nil {
			return err
		}
		if err := performer(a, m, actorID); err != nil {
			return err
		}
		if err := workable(a); err != nil {
			return err
		}
		if m.Status != MilestonePending {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidMilestone, m.Status)
		}
		now := s.now()
		m.Status = MilestoneInProgress
		m.StartedAt = &now
		d.touch(m)
		beginWork(a, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.MilestoneStarted, a, m, "Work started",
		fmt.Sprintf("Work on %q has started", m.Title), a.CreatorID)
	return m, nil
}

// SubmitMilestone hands a milestone in for the creator's approval.
func (s *Service) SubmitMilestone(ctx context.Context, agreementID, milestoneID, actorID string) (_ *Milestone, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.SubmitMilestone", traces.AgreementID(agreementID), traces.MilestoneID(milestoneID))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("submit_milestone", outcome(err)).Inc()
	}()

	var m *Milestone
	a, _, err := s.mutate(ctx, agreementID, func(_ context.Context, _ docstore.Tx, a *Agreement, ms []*Milestone, d *dirtySet) error {
		var err error
		if m, err = findMilestone(ms, milestoneID); err != nil {
			return err
		}
		if err := performer(a, m, actorID); err != nil {
			return err
		}
		if err := workable(a); err != nil {
			return err
		}
		if m.Status != MilestonePending && m.Status != MilestoneInProgress {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidMilestone, m.Status)
		}
		now := s.now()
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
		m.Status = MilestoneSubmitted
		m.SubmittedAt = &now
		m.RejectionReason = ""
		d.touch(m)
		beginWork(a, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.MilestoneSubmitted, a, m, "Milestone submitted",
		fmt.Sprintf("%q is ready for your review", m.Title), a.CreatorID)
	return m, nil
}

// performer checks that actorID is the non-creator party doing the work.
func performer(a *Agreement, m *Milestone, actorID string) error {
	if !a.IsParty(actorID) {
		return ErrNotParty
	}
	if actorID == a.CreatorID {
		return ErrNotPayee
	}
	if m.PayeeID != "" && m.PayeeID != actorID {
		return ErrNotPayee
	}
	return nil
}

// RejectMilestone sends a submission back for more work.
func (s *Service) RejectMilestone(ctx context.Context, agreementID, milestoneID, actorID, reason string) (_ *Milestone, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.RejectMilestone", traces.AgreementID(agreementID), traces.MilestoneID(milestoneID))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("reject_milestone", outcome(err)).Inc()
	}()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.InvalidRequest, "a rejection reason is required")
	}

	var m *Milestone
	a, _, err := s.mutate(ctx, agreementID, func(_ context.Context, _ docstore.Tx, a *Agreement, ms []*Milestone, d *dirtySet) error {
		var err error
		if m, err = findMilestone(ms, milestoneID); err != nil {
			return err
		}
		if err := creator(a, actorID); err != nil {
			return err
		}
		if m.Status != MilestoneSubmitted {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidMilestone, m.Status)
		}
		m.Status = MilestoneInProgress
		m.RejectionReason = reason
		d.touch(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.MilestoneRejected, a, m, "Changes requested",
		fmt.Sprintf("%q was sent back: %s", m.Title, reason), m.PayeeID)
	return m, nil
}

func creator(a *Agreement, actorID string) error {
	if !a.IsParty(actorID) {
		return ErrNotParty
	}
	if actorID != a.CreatorID {
		return ErrNotCreator
	}
	return nil
}

// Approval is the outcome of ApproveMilestone.
type Approval struct {
	Agreement *Agreement      `json:"agreement"`
	Milestone *Milestone      `json:"milestone"`
	Release   *wallet.Release `json:"release,omitempty"`
}

// ApproveMilestone accepts a submission and pays it. The escrow release,
// the milestone moving to paid and the agreement's recomputed progress
// commit in one transaction. A milestone frozen by a dispute fails with
// DisputeInProgress before anything else is checked.
func (s *Service) ApproveMilestone(ctx context.Context, agreementID, milestoneID, actorID, idempotencyKey string) (_ *Approval, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.ApproveMilestone", traces.AgreementID(agreementID), traces.MilestoneID(milestoneID), traces.UserID(actorID))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("approve_milestone", outcome(err)).Inc()
	}()

	var out *Approval
	var replay bool
	err = s.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		out, replay = nil, false
		rec, err := approvalFor(ctx, tx, actorID, idempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil && (rec.AgreementID != agreementID || rec.MilestoneID != milestoneID) {
			return apperr.New(apperr.InvalidRequest, "idempotency key was used for a different milestone")
		}

		a, err := LoadAgreement(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		ms, err := LoadMilestones(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		m, err := findMilestone(ms, milestoneID)
		if err != nil {
			return err
		}
		if rec != nil {
			out, replay = &Approval{Agreement: a, Milestone: m}, true
			return nil
		}
		if err := s.checkGate(ctx, tx, a, m); err != nil {
			return err
		}
		if err := creator(a, actorID); err != nil {
			return err
		}
		if err := workable(a); err != nil {
			return err
		}
		if m.Status != MilestoneSubmitted {
			return fmt.Errorf("%w: milestone is %s", ErrInvalidMilestone, m.Status)
		}

		amount := m.Outstanding()
		rel, err := s.wallet.ReleaseEscrowTx(ctx, tx, wallet.ReleaseRequest{
			PayerID:     a.PayerID(),
			PayeeID:     m.PayeeID,
			AmountCents: amount,
			Refs: wallet.Refs{
				AgreementID: a.ID,
				MilestoneID: m.ID,
				Description: fmt.Sprintf("Milestone %q", m.Title),
			},
			// One release per milestone, whatever the client retries.
			IdempotencyKey: "milestone:" + m.ID,
		})
		if err != nil {
			return err
		}

		now := s.now()
		m.ApprovedAt = &now
		s.markPaid(m, amount, now)
		a.FundedCents -= amount
		d := &dirtySet{agreement: true}
		d.touch(m)
		open, err := s.disputesOpen(ctx, tx, a, ms)
		if err != nil {
			return err
		}
		s.settle(a, ms, open, now)
		if err := d.flush(tx, a, now); err != nil {
			return err
		}
		if err := rememberApproval(tx, actorID, idempotencyKey, a.ID, m.ID, now); err != nil {
			return err
		}
		out = &Approval{Agreement: a, Milestone: m, Release: rel}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay {
		return out, nil
	}

	s.wallet.ObserveRelease(out.Release)
	releasedCents.WithLabelValues("approval").Add(float64(out.Milestone.PaidCents))
	s.afterPayment(ctx, out.Agreement, out.Milestone)
	return out, nil
}

// checkGate fails with DisputeInProgress while m is frozen by a dispute.
func (s *Service) checkGate(ctx context.Context, r docstore.Reader, a *Agreement, m *Milestone) error {
	if m.Status == MilestoneDisputed {
		return fmt.Errorf("%w: dispute %s", ErrDisputeInProgress, m.DisputeID)
	}
	if s.gate == nil {
		return nil
	}
	id, err := s.gate.BlockingDispute(ctx, r, a.ID, m.ID)
	if err != nil {
		return err
	}
	if id != "" {
		return fmt.Errorf("%w: dispute %s", ErrDisputeInProgress, id)
	}
	return nil
}

// disputesOpen reports whether a disputed agreement still has a dispute
// that is not finished.
func (s *Service) disputesOpen(ctx context.Context, r docstore.Reader, a *Agreement, ms []*Milestone) (bool, error) {
	if a.Status != StatusDisputed {
		return false, nil
	}
	for _, m := range ms {
		if m.Status == MilestoneDisputed {
			return true, nil
		}
	}
	if s.gate == nil {
		return false, nil
	}
	n, err := s.gate.OpenDisputes(ctx, r, a.ID)
	return n > 0, err
}

// markPaid closes m with amount paid. Approval and payment commit
// together, so approved is never stored.
func (s *Service) markPaid(m *Milestone, amount int64, now time.Time) {
	m.Status = MilestonePaid
	m.PaidCents += amount
	m.PaidAt = &now
	m.CompletedAt = &now
}

// settle recomputes progress and, unless disputes remain open, moves the
// agreement to the status its milestones imply.
func (s *Service) settle(a *Agreement, ms []*Milestone, disputesOpen bool, now time.Time) {
	Recompute(a, ms)
	if a.Status == StatusDisputed && disputesOpen {
		return
	}
	next := workStatus(a, ms)
	if next == StatusCompleted && a.Status != StatusCompleted {
		a.CompletedAt = &now
	}
	a.Status = next
	a.PreDisputeStatus = ""
}

func (s *Service) afterPayment(ctx context.Context, a *Agreement, m *Milestone) {
	if m != nil && m.Status == MilestonePaid {
		s.notify(ctx, events.MilestonePaid, a, m, "Milestone paid",
			fmt.Sprintf("%q was paid %s", m.Title, wallet.FormatCents(m.PaidCents, a.Currency)), m.PayeeID, a.CreatorID)
	}
	if a.Status == StatusCompleted {
		s.notify(ctx, events.AgreementCompleted, a, nil, "Agreement completed",
			fmt.Sprintf("Every milestone of %q is settled", a.Title), a.ParticipantIDs...)
	}
}

// Approvals are remembered in the wallet's idempotency collection.
const approvalScope = "approve"

type approvalRecord struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	UserID      string    `json:"userId"`
	Key         string    `json:"key"`
	AgreementID string    `json:"agreementId"`
	MilestoneID string    `json:"milestoneId"`
	CreatedAt   time.Time `json:"createdAt"`
}

func approvalID(userID, key string) string {
	return approvalScope + "|" + userID + "|" + key
}

func approvalFor(ctx context.Context, tx docstore.Tx, userID, key string) (*approvalRecord, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := docstore.GetAs[approvalRecord](ctx, tx, wallet.IdempotencyCollection, approvalID(userID, key))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func rememberApproval(tx docstore.Tx, userID, key, agreementID, milestoneID string, now time.Time) error {
	if key == "" {
		return nil
	}
	rec := approvalRecord{
		ID:          approvalID(userID, key),
		Scope:       approvalScope,
		UserID:      userID,
		Key:         key,
		AgreementID: agreementID,
		MilestoneID: milestoneID,
		CreatedAt:   now,
	}
	return tx.Insert(wallet.IdempotencyCollection, rec.ID, rec)
}
