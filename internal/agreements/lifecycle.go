package agreements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/idgen"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/traces"
	"github.com/mbd888/milepay/internal/wallet"
)

// Terms are the agreement-level fields of a new agreement.
type Terms struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Currency        string   `json:"currency"`
	TotalValueCents int64    `json:"totalValueCents"`
	Counterparties  []string `json:"counterparties"`
}

// MilestoneInput describes one milestone of a new agreement.
type MilestoneInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amountCents"`
	PayeeID     string     `json:"payeeId"`
	DueDate     *time.Time `json:"dueDate"`
}

// Create drafts an agreement. The creator is the payer and every
// counterparty a payee; nobody has signed yet.
func (s *Service) Create(ctx context.Context, creatorID string, terms Terms, inputs []MilestoneInput) (_ *Agreement, _ []*Milestone, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.Create", traces.UserID(creatorID), traces.AmountCents(terms.TotalValueCents))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("create", outcome(err)).Inc()
	}()

	if err := s.validateTerms(creatorID, &terms, inputs); err != nil {
		return nil, nil, err
	}

	now := s.now()
	a := &Agreement{
		ID:              idgen.WithPrefix("agr_"),
		CreatorID:       creatorID,
		Title:           strings.TrimSpace(terms.Title),
		Description:     terms.Description,
		Currency:        terms.Currency,
		Status:          StatusDraft,
		TotalValueCents: terms.TotalValueCents,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	a.Parties = append(a.Parties, Party{UserID: creatorID, Role: RolePayer})
	a.ParticipantIDs = append(a.ParticipantIDs, creatorID)
	for _, id := range terms.Counterparties {
		a.Parties = append(a.Parties, Party{UserID: id, Role: RolePayee})
		a.ParticipantIDs = append(a.ParticipantIDs, id)
	}

	ms := make([]*Milestone, len(inputs))
	for i, in := range inputs {
		payee := in.PayeeID
		if payee == "" {
			payee = terms.Counterparties[0]
		}
		ms[i] = &Milestone{
			ID:          idgen.WithPrefix("ms_"),
			AgreementID: a.ID,
			Sequence:    i + 1,
			Title:       strings.TrimSpace(in.Title),
			Description: in.Description,
			AmountCents: in.AmountCents,
			PayeeID:     payee,
			Status:      MilestonePending,
			DueDate:     in.DueDate,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	Recompute(a, ms)

	err = s.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Insert(Collection, a.ID, a); err != nil {
			return err
		}
		for _, m := range ms {
			if err := tx.Insert(MilestoneCollection, m.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.notify(ctx, events.AgreementCreated, a, nil, "New agreement",
		fmt.Sprintf("You were invited to sign %q", a.Title), a.Counterparties(creatorID)...)
	return a, ms, nil
}

func (s *Service) validateTerms(creatorID string, terms *Terms, inputs []MilestoneInput) error {
	if strings.TrimSpace(terms.Title) == "" {
		return apperr.New(apperr.InvalidRequest, "title is required")
	}
	currency := s.wallet.Currency()
	if terms.Currency == "" {
		terms.Currency = currency
	}
	if !strings.EqualFold(terms.Currency, currency) {
		return apperr.Newf(apperr.InvalidRequest, "only %s agreements are supported", currency)
	}
	terms.Currency = currency
	if terms.TotalValueCents <= 0 {
		return apperr.New(apperr.InvalidRequest, "totalValueCents must be positive")
	}
	if len(terms.Counterparties) == 0 {
		return apperr.New(apperr.InvalidRequest, "at least one counterparty is required")
	}
	seen := map[string]bool{creatorID: true}
	for _, id := range terms.Counterparties {
		if id == "" || seen[id] {
			return apperr.Newf(apperr.InvalidRequest, "counterparty %q is empty, repeated or the creator", id)
		}
		seen[id] = true
	}
	if len(inputs) == 0 || len(inputs) > MaxMilestones {
		return apperr.Newf(apperr.InvalidRequest, "between 1 and %d milestones are required", MaxMilestones)
	}

	var sum int64
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return apperr.Newf(apperr.InvalidRequest, "milestones[%d]: title is required", i)
		}
		if in.AmountCents <= 0 {
			return apperr.Newf(apperr.InvalidRequest, "milestones[%d]: amountCents must be positive", i)
		}
		if in.PayeeID == "" && len(terms.Counterparties) > 1 {
			return apperr.Newf(apperr.InvalidRequest, "milestones[%d]: payeeId is required with several counterparties", i)
		}
		if in.PayeeID != "" && (in.PayeeID == creatorID || !seen[in.PayeeID]) {
			return apperr.Newf(apperr.InvalidRequest, "milestones[%d]: payeeId must be a counterparty", i)
		}
		sum += in.AmountCents
	}
	if sum != terms.TotalValueCents {
		return apperr.Wrap(apperr.AmountMismatch,
			fmt.Sprintf("milestones sum to %d but totalValueCents is %d", sum, terms.TotalValueCents), ErrAmountMismatch)
	}
	return nil
}

// mutate loads an agreement and its milestones in a transaction, lets fn
// change them, and writes back whatever fn marks dirty.
func (s *Service) mutate(ctx context.Context, id string, fn func(ctx context.Context, tx docstore.Tx, a *Agreement, ms []*Milestone, dirty *dirtySet) error) (*Agreement, []*Milestone, error) {
	var outA *Agreement
	var outMs []*Milestone
	err := s.store.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		a, err := LoadAgreement(ctx, tx, id)
		if err != nil {
			return err
		}
		ms, err := LoadMilestones(ctx, tx, id)
		if err != nil {
			return err
		}
		d := &dirtySet{}
		if err := fn(ctx, tx, a, ms, d); err != nil {
			return err
		}
		if err := d.flush(tx, a, s.now()); err != nil {
			return err
		}
		outA, outMs = a, ms
		return nil
	})
	return outA, outMs, err
}

// dirtySet tracks which documents a mutation changed.
type dirtySet struct {
	agreement  bool
	milestones []*Milestone
}

func (d *dirtySet) touch(m *Milestone) {
	for _, x := range d.milestones {
		if x == m {
			return
		}
	}
	d.milestones = append(d.milestones, m)
}

func (d *dirtySet) flush(tx docstore.Tx, a *Agreement, now time.Time) error {
	for _, m := range d.milestones {
		m.UpdatedAt = now
		if err := tx.Update(MilestoneCollection, m.ID, m); err != nil {
			return err
		}
	}
	if !d.agreement && len(d.milestones) == 0 {
		return nil
	}
	a.UpdatedAt = now
	return tx.Update(Collection, a.ID, a)
}

// Sign records userID's signature. When every party has signed the
// agreement becomes active. Signing twice is a no-op.
func (s *Service) Sign(ctx context.Context, id, userID string) (_ *Agreement, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.Sign", traces.AgreementID(id), traces.UserID(userID))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("sign", outcome(err)).Inc()
	}()

	var changed bool
	a, _, err := s.mutate(ctx, id, func(_ context.Context, _ docstore.Tx, a *Agreement, _ []*Milestone, d *dirtySet) error {
		changed = false
		p, ok := a.Party(userID)
		if !ok {
			return ErrNotParty
		}
		if a.Status != StatusDraft && a.Status != StatusPendingSignatures {
			if p.HasSigned {
				return nil
			}
			return fmt.Errorf("%w: agreement is %s", ErrInvalidStatus, a.Status)
		}
		if p.HasSigned {
			return nil
		}
		now := s.now()
		p.HasSigned = true
		p.SignedAt = &now
		a.Status = StatusPendingSignatures
		if allSigned(a) {
			a.Status = StatusActive
			a.SignedAt = &now
		}
		d.agreement, changed = true, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.notify(ctx, events.AgreementSigned, a, nil, "Agreement signed",
			fmt.Sprintf("%q was signed by a party", a.Title), a.Counterparties(userID)...)
		if a.Status == StatusActive {
			s.notify(ctx, events.AgreementActivated, a, nil, "Agreement active",
				fmt.Sprintf("Every party signed %q", a.Title), a.ParticipantIDs...)
		}
	}
	return a, nil
}

func allSigned(a *Agreement) bool {
	for _, p := range a.Parties {
		if !p.HasSigned {
			return false
		}
	}
	return true
}

// Cancel abandons an agreement before it becomes active. Only the creator
// may cancel.
func (s *Service) Cancel(ctx context.Context, id, userID, reason string) (_ *Agreement, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.Cancel", traces.AgreementID(id), traces.UserID(userID))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("cancel", outcome(err)).Inc()
	}()

	a, _, err := s.mutate(ctx, id, func(_ context.Context, _ docstore.Tx, a *Agreement, _ []*Milestone, d *dirtySet) error {
		if !a.IsParty(userID) {
			return ErrNotParty
		}
		if userID != a.CreatorID {
			return ErrNotCreator
		}
		if a.Status != StatusDraft && a.Status != StatusPendingSignatures {
			return fmt.Errorf("%w: cannot cancel a %s agreement", ErrInvalidStatus, a.Status)
		}
		now := s.now()
		a.Status = StatusCancelled
		a.CancelledAt = &now
		a.CancellationReason = reason
		d.agreement = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.AgreementCancelled, a, nil, "Agreement cancelled",
		fmt.Sprintf("%q was cancelled", a.Title), a.Counterparties(userID)...)
	return a, nil
}

// Fund holds escrow from the creator's wallet for the agreement. A zero
// amount funds everything still outstanding.
func (s *Service) Fund(ctx context.Context, id, userID string, amount int64) (_ *Agreement, err error) {
	ctx, span := traces.StartSpan(ctx, "agreements.Fund", traces.AgreementID(id), traces.AmountCents(amount))
	defer func() {
		traces.End(span, err)
		transitions.WithLabelValues("fund", outcome(err)).Inc()
	}()

	var held int64
	var hold *ledger.Transaction
	a, _, err := s.mutate(ctx, id, func(ctx context.Context, tx docstore.Tx, a *Agreement, ms []*Milestone, d *dirtySet) error {
		if userID != a.CreatorID {
			if !a.IsParty(userID) {
				return ErrNotParty
			}
			return ErrNotCreator
		}
		switch a.Status {
		case StatusActive, StatusInProgress, StatusDisputed:
		default:
			return fmt.Errorf("%w: cannot fund a %s agreement", ErrInvalidStatus, a.Status)
		}
		gap := outstanding(ms) - a.FundedCents
		if gap <= 0 {
			return ErrFullyFunded
		}
		held = amount
		if held == 0 {
			held = gap
		}
		if held < 0 || held > gap {
			return apperr.Newf(apperr.InvalidRequest, "amount must be between 1 and %d", gap)
		}
		t, err := s.wallet.HoldEscrowTx(ctx, tx, a.CreatorID, held, wallet.Refs{
			AgreementID: a.ID,
			Description: fmt.Sprintf("Escrow for %q", a.Title),
		})
		if err != nil {
			return err
		}
		hold = t
		a.FundedCents += held
		d.agreement = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.ObserveCommitted(hold)
	s.notify(ctx, events.AgreementFunded, a, nil, "Agreement funded",
		fmt.Sprintf("%s is held in escrow for %q", wallet.FormatCents(held, a.Currency), a.Title), a.ParticipantIDs...)
	return a, nil
}
