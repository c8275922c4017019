package disputes

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/milepay/internal/agreements"
	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/traces"
	"github.com/mbd888/milepay/internal/wallet"
)

// ResolveRequest is a mediator's decision.
type ResolveRequest struct {
	Type ResolutionType `json:"type"`
	// AmountCents is the refund for refund_*, the release for release_partial
	// and the payee's share for split. Optional for split.
	AmountCents int64  `json:"amountCents"`
	Notes       string `json:"notes"`
}

// Outcome is what Resolve decided and moved.
type Outcome struct {
	Dispute    *Dispute               `json:"dispute"`
	Settlement *agreements.Settlement `json:"settlement"`
}

// Disposition splits the stake between payee and payer for a resolution.
// Agreement-level disputes can only refund, so they need an explicit
// amount for refund_full.
func Disposition(t ResolutionType, amount, stake int64, hasMilestone bool) (release, refund int64, err error) {
	if amount < 0 {
		return 0, 0, apperr.New(apperr.InvalidRequest, "amountCents cannot be negative")
	}
	if amount > stake {
		return 0, 0, apperr.Newf(apperr.InvalidRequest, "amountCents exceeds the %d cents at stake", stake)
	}
	needAmount := func() error {
		if amount == 0 {
			return apperr.Newf(apperr.InvalidRequest, "%s requires amountCents", t)
		}
		return nil
	}

	if !hasMilestone {
		switch t {
		case RefundFull, RefundPartial:
			if err := needAmount(); err != nil {
				return 0, 0, err
			}
			return 0, amount, nil
		case NoAction:
			return 0, 0, nil
		case ReleaseFull, ReleasePartial, Split:
			return 0, 0, ErrMissingMilestone
		}
		return 0, 0, fmt.Errorf("%w: unknown resolution %q", ErrInvalidOutcome, t)
	}

	switch t {
	case RefundFull:
		return 0, stake, nil
	case RefundPartial:
		if err := needAmount(); err != nil {
			return 0, 0, err
		}
		return stake - amount, amount, nil
	case ReleaseFull:
		return stake, 0, nil
	case ReleasePartial:
		if err := needAmount(); err != nil {
			return 0, 0, err
		}
		return amount, stake - amount, nil
	case Split:
		payee := amount
		if payee == 0 {
			// An odd cent stays with the payer.
			payee = stake / 2
		}
		return payee, stake - payee, nil
	case NoAction:
		return 0, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown resolution %q", ErrInvalidOutcome, t)
}

// Resolve decides a dispute. The escrow movements, the milestone and
// agreement settlement and the dispute's resolution commit in one
// transaction. Callers must hold a mediator or admin role.
func (s *Service) Resolve(ctx context.Context, id, decidedBy string, req ResolveRequest) (_ *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve", traces.DisputeID(id), traces.UserID(decidedBy), traces.AmountCents(req.AmountCents))
	defer func() {
		traces.End(span, err)
		operations.WithLabelValues("resolve", outcome(err)).Inc()
		if err == nil {
			resolutions.WithLabelValues(string(req.Type)).Inc()
		}
	}()

	var st *agreements.Settlement
	d, err := s.update(ctx, id, func(ctx context.Context, tx docstore.Tx, d *Dispute) error {
		if err := from(StatusUnderReview, StatusMediation, StatusEscalated)(d); err != nil {
			return err
		}
		if d.isParty(decidedBy) {
			return apperr.New(apperr.Unauthorized, "a party cannot decide its own dispute")
		}

		a, err := agreements.LoadAgreement(ctx, tx, d.AgreementID)
		if err != nil {
			return err
		}
		var m *agreements.Milestone
		if d.MilestoneID != "" {
			ms, err := agreements.LoadMilestones(ctx, tx, d.AgreementID)
			if err != nil {
				return err
			}
			for _, x := range ms {
				if x.ID == d.MilestoneID {
					m = x
				}
			}
			if m == nil {
				return agreements.ErrMilestoneNotFound
			}
		}

		release, refund, err := Disposition(req.Type, req.AmountCents, agreements.Stake(a, m), m != nil)
		if err != nil {
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
			ReleaseCents: release,
			RefundCents:  refund,
			DisputesOpen: open,
		})
		if err != nil {
			return err
		}

		now := s.now()
		d.Resolution = &Resolution{
			Type:          req.Type,
			AmountCents:   req.AmountCents,
			ReleasedCents: release,
			RefundedCents: refund,
			DecidedBy:     decidedBy,
			Notes:         strings.TrimSpace(req.Notes),
			DecidedAt:     now,
		}
		d.Status = StatusResolved
		d.ResolvedAt = &now
		d.say(SystemAuthor, fmt.Sprintf("Resolved as %s by %s: %s released, %s refunded", req.Type, decidedBy,
			wallet.FormatCents(release, a.Currency), wallet.FormatCents(refund, a.Currency)), now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.agreements.ObserveSettlement(ctx, st)
	s.logger.Info("dispute resolved", "dispute", d.ID, "type", req.Type,
		"released", d.Resolution.ReleasedCents, "refunded", d.Resolution.RefundedCents)
	s.notify(ctx, events.DisputeResolved, d, "Dispute resolved",
		fmt.Sprintf("The dispute was resolved as %s", req.Type), d.others(decidedBy)...)
	return &Outcome{Dispute: d, Settlement: st}, nil
}
