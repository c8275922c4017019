package disputes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/milepay/internal/agreements"
	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/idgen"
	"github.com/mbd888/milepay/internal/traces"
)

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	AgreementID       string `json:"agreementId"`
	MilestoneID       string `json:"milestoneId"`
	PaymentID         string `json:"paymentId"`
	RespondentID      string `json:"respondentId"`
	Type              Type   `json:"type"`
	Description       string `json:"description"`
	DesiredResolution string `json:"desiredResolution"`
}

// Open files a dispute by initiatorID. The dispute insert, the milestone
// and agreement freezing, and the opening system message commit together.
func (s *Service) Open(ctx context.Context, initiatorID string, req OpenRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Open", traces.AgreementID(req.AgreementID), traces.MilestoneID(req.MilestoneID), traces.UserID(initiatorID))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues("open", outcome(err)).Inc()
	}()

	if !req.Type.valid() {
		return nil, ErrInvalidType
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return nil, apperr.New(apperr.InvalidRequest, "description is required")
	}

	id := idgen.WithPrefix("dsp_")
	var d *Dispute
	err = s.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		a, err := agreements.LoadAgreement(ctx, tx, req.AgreementID)
		if err != nil {
			return err
		}
		if !a.IsParty(initiatorID) {
			return agreements.ErrNotParty
		}
		respondent, err := pickRespondent(a, initiatorID, req.RespondentID)
		if err != nil {
			return err
		}

		a, m, err := s.agreements.FreezeTx(ctx, tx, a.ID, req.MilestoneID, id)
		if err != nil {
			return err
		}

		now := s.now()
		d = &Dispute{
			ID:                id,
			AgreementID:       a.ID,
			MilestoneID:       req.MilestoneID,
			PaymentID:         req.PaymentID,
			Type:              req.Type,
			Status:            StatusOpen,
			Description:       req.Description,
			DesiredResolution: req.DesiredResolution,
			InitiatorID:       initiatorID,
			RespondentID:      respondent,
			ParticipantIDs:    append([]string(nil), a.ParticipantIDs...),
			StakeCents:        agreements.Stake(a, m),
			Evidence:          []Evidence{},
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		subject := "the agreement"
		if m != nil {
			subject = fmt.Sprintf("milestone %q", m.Title)
		}
		d.say(SystemAuthor, fmt.Sprintf("%s opened a %s dispute on %s", initiatorID, req.Type, subject), now)
		return tx.Insert(Collection, d.ID, d)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute opened", "dispute", d.ID, "agreement", d.AgreementID, "milestone", d.MilestoneID)
	s.notify(ctx, events.DisputeOpened, d, "Dispute opened",
		fmt.Sprintf("A %s dispute was opened: %s", d.Type, d.Description), d.others(initiatorID)...)
	return d, nil
}

// pickRespondent validates the respondent, defaulting to the only other
// party of a bilateral agreement.
func pickRespondent(a *agreements.Agreement, initiatorID, respondentID string) (string, error) {
	if respondentID == "" {
		others := a.Counterparties(initiatorID)
		if len(others) != 1 {
			return "", apperr.New(apperr.InvalidRequest, "respondentId is required")
		}
		return others[0], nil
	}
	if respondentID == initiatorID {
		return "", apperr.New(apperr.InvalidRequest, "respondent must differ from the initiator")
	}
	if !a.IsParty(respondentID) {
		return "", apperr.New(apperr.Unauthorized, "respondent is not a party to this agreement")
	}
	return respondentID, nil
}

// say appends a message to the conversation.
func (d *Dispute) say(author, body string, now time.Time) Message {
	m := Message{
		ID:        idgen.WithPrefix("msg_"),
		AuthorID:  author,
		Body:      body,
		System:    author == SystemAuthor,
		CreatedAt: now,
	}
	d.Messages = append(d.Messages, m)
	return m
}

// update loads a dispute in a transaction, lets fn change it and writes it
// back.
func (s *Service) update(ctx context.Context, id string, fn func(ctx context.Context, tx docstore.Tx, d *Dispute) error) (*Dispute, error) {
	var out *Dispute
	err := s.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		d, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, d); err != nil {
			return err
		}
		d.UpdatedAt = s.now()
		if err := tx.Update(Collection, d.ID, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// EvidenceRequest describes a piece of evidence.
type EvidenceRequest struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// AddEvidence appends evidence from a participant. Staff may add evidence
// to any dispute.
func (s *Service) AddEvidence(ctx context.Context, id, userID string, staff bool, req EvidenceRequest) (_ *Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AddEvidence", traces.DisputeID(id), traces.UserID(userID))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues("add_evidence", outcome(err)).Inc()
	}()

	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" && req.URL == "" {
		return nil, apperr.New(apperr.InvalidRequest, "description or url is required")
	}
	if req.Kind == "" {
		req.Kind = "statement"
	}

	var ev Evidence
	d, err := s.update(ctx, id, func(_ context.Context, _ docstore.Tx, d *Dispute) error {
		if err := participant(d, userID, staff); err != nil {
			return err
		}
		if !d.IsActive() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
		}
		ev = Evidence{
			ID:          idgen.WithPrefix("evd_"),
			SubmittedBy: userID,
			Kind:        req.Kind,
			Description: req.Description,
			URL:         req.URL,
			CreatedAt:   s.now(),
		}
		d.Evidence = append(d.Evidence, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.DisputeEvidenceAdded, d, "New evidence",
		fmt.Sprintf("%s added %s evidence", userID, ev.Kind), d.others(userID)...)
	return &ev, nil
}

// AddMessage appends a message from a participant.
func (s *Service) AddMessage(ctx context.Context, id, userID string, staff bool, body string) (_ *Message, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AddMessage", traces.DisputeID(id), traces.UserID(userID))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues("add_message", outcome(err)).Inc()
	}()

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.New(apperr.InvalidRequest, "message body is required")
	}

	var msg Message
	d, err := s.update(ctx, id, func(_ context.Context, _ docstore.Tx, d *Dispute) error {
		if err := participant(d, userID, staff); err != nil {
			return err
		}
		if !d.IsActive() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
		}
		msg = d.say(userID, body, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.DisputeMessageAdded, d, "New dispute message", body, d.others(userID)...)
	return &msg, nil
}

func participant(d *Dispute, userID string, staff bool) error {
	if staff || d.IsParticipant(userID) {
		return nil
	}
	return ErrNotParticipant
}

// StartReview assigns a mediator and moves an open dispute under review.
// mediatorID defaults to the acting staff member.
func (s *Service) StartReview(ctx context.Context, id, actorID, mediatorID string) (*Dispute, error) {
	if mediatorID == "" {
		mediatorID = actorID
	}
	return s.advance(ctx, "start_review", id, actorID, StatusUnderReview, func(d *Dispute) error {
		if d.Status != StatusOpen {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
		}
		if d.isParty(mediatorID) {
			return apperr.New(apperr.InvalidRequest, "a party cannot mediate its own dispute")
		}
		d.MediatorID = mediatorID
		return nil
	})
}

// StartMediation moves a dispute under review into mediation.
func (s *Service) StartMediation(ctx context.Context, id, actorID string) (*Dispute, error) {
	return s.advance(ctx, "start_mediation", id, actorID, StatusMediation, from(StatusUnderReview))
}

// Escalate hands a dispute in mediation to a senior decision.
func (s *Service) Escalate(ctx context.Context, id, actorID string) (*Dispute, error) {
	return s.advance(ctx, "escalate", id, actorID, StatusEscalated, from(StatusMediation))
}

func from(allowed ...Status) func(*Dispute) error {
	return func(d *Dispute) error {
		for _, st := range allowed {
			if d.Status == st {
				return nil
			}
		}
		return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
	}
}

// advance performs a staff transition that moves no money.
func (s *Service) advance(ctx context.Context, op, id, actorID string, to Status, check func(*Dispute) error) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes."+op, traces.DisputeID(id), traces.UserID(actorID))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues(op, outcome(err)).Inc()
	}()

	d, err := s.update(ctx, id, func(_ context.Context, _ docstore.Tx, d *Dispute) error {
		if err := check(d); err != nil {
			return err
		}
		d.say(SystemAuthor, fmt.Sprintf("Status changed from %s to %s by %s", d.Status, to, actorID), s.now())
		d.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.DisputeStatusChanged, d, "Dispute updated",
		fmt.Sprintf("The dispute is now %s", d.Status), d.others(actorID)...)
	return d, nil
}

// Withdraw lets the initiator drop a dispute before mediation starts. The
// milestone returns to where it was and no money moves.
func (s *Service) Withdraw(ctx context.Context, id, userID string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Withdraw", traces.DisputeID(id), traces.UserID(userID))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues("withdraw", outcome(err)).Inc()
	}()

	var st *agreements.Settlement
	d, err := s.update(ctx, id, func(ctx context.Context, tx docstore.Tx, d *Dispute) error {
		if !d.IsParticipant(userID) {
			return ErrNotParticipant
		}
		if userID != d.InitiatorID {
			return ErrNotInitiator
		}
		if err := from(StatusOpen, StatusUnderReview)(d); err != nil {
			return err
		}
		open, err := s.othersOpen(ctx, tx, d)
		if err != nil {
			return err
		}
		st, err = s.agreements.ApplyOutcomeTx(ctx, tx, agreements.DisputeOutcome{
			AgreementID:  d.AgreementID,
			MilestoneID:  d.MilestoneID,
			DisputeID:    d.ID,
			DisputesOpen: open,
		})
		if err != nil {
			return err
		}
		now := s.now()
		d.say(SystemAuthor, "The initiator withdrew the dispute", now)
		d.Status = StatusClosed
		d.Withdrawn = true
		d.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.agreements.ObserveSettlement(ctx, st)
	s.notify(ctx, events.DisputeClosed, d, "Dispute withdrawn",
		"The initiator withdrew the dispute", d.others(userID)...)
	return d, nil
}

// Close archives a resolved dispute.
func (s *Service) Close(ctx context.Context, id, userID string, staff bool) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Close", traces.DisputeID(id), traces.UserID(userID))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues("close", outcome(err)).Inc()
	}()

	d, err := s.update(ctx, id, func(_ context.Context, _ docstore.Tx, d *Dispute) error {
		if err := participant(d, userID, staff); err != nil {
			return err
		}
		if d.Status != StatusResolved {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
		}
		now := s.now()
		d.say(SystemAuthor, fmt.Sprintf("Closed by %s", userID), now)
		d.Status = StatusClosed
		d.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.DisputeClosed, d, "Dispute closed", "The dispute was closed", d.others(userID)...)
	return d, nil
}

// othersOpen reports whether the agreement has active disputes besides d.
func (s *Service) othersOpen(ctx context.Context, r docstore.Reader, d *Dispute) (bool, error) {
	ds, err := ForAgreement(ctx, r, d.AgreementID)
	if err != nil {
		return false, err
	}
	for _, o := range ds {
		if o.ID != d.ID && o.IsActive() {
			return true, nil
		}
	}
	return false, nil
}
