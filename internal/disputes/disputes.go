// Package disputes runs the dispute workflow for agreements.
//
// Flow:
//  1. A party opens a dispute → the milestone (if any) and agreement freeze
//  2. Parties add evidence and messages
//  3. A mediator reviews, mediates and possibly escalates
//  4. The mediator resolves → escrow moves as decided, milestone settles
//  5. Resolved disputes are closed; the initiator may withdraw early
//
// While a milestone's dispute is not finished, approving that milestone
// fails with DisputeInProgress.
package disputes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/milepay/internal/agreements"
	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
)

// Collection holds dispute documents.
const Collection = "disputes"

// SystemAuthor signs messages the workflow writes itself.
const SystemAuthor = "system"

var (
	ErrDisputeNotFound  = apperr.New(apperr.NotFound, "dispute not found")
	ErrNotParticipant   = apperr.New(apperr.Unauthorized, "not a participant in this dispute")
	ErrNotInitiator     = apperr.New(apperr.Unauthorized, "only the initiator can withdraw a dispute")
	ErrInvalidStatus    = apperr.New(apperr.InvalidTransition, "invalid dispute status for this operation")
	ErrInvalidType      = apperr.New(apperr.InvalidRequest, "unknown dispute type")
	ErrInvalidOutcome   = apperr.New(apperr.InvalidRequest, "resolution is not valid for this dispute")
	ErrMissingMilestone = apperr.New(apperr.InvalidRequest, "this resolution requires a milestone")
)

// Status of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusMediation   Status = "mediation"
	StatusEscalated   Status = "escalated"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Type classifies what the dispute is about.
type Type string

const (
	TypeNonDelivery Type = "non_delivery"
	TypeQuality     Type = "quality"
	TypePayment     Type = "payment"
	TypeScope       Type = "scope"
	TypeOther       Type = "other"
)

func (t Type) valid() bool {
	switch t {
	case TypeNonDelivery, TypeQuality, TypePayment, TypeScope, TypeOther:
		return true
	}
	return false
}

// ResolutionType decides where the escrow at stake goes.
type ResolutionType string

const (
	RefundFull     ResolutionType = "refund_full"
	RefundPartial  ResolutionType = "refund_partial"
	ReleaseFull    ResolutionType = "release_full"
	ReleasePartial ResolutionType = "release_partial"
	Split          ResolutionType = "split"
	NoAction       ResolutionType = "no_action"
)

// Evidence is a file, link or statement attached to a dispute.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is one entry of the dispute conversation.
type Message struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	System    bool      `json:"system,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Resolution records the decision and the money it moved.
type Resolution struct {
	Type          ResolutionType `json:"type"`
	AmountCents   int64          `json:"amountCents,omitempty"`
	ReleasedCents int64          `json:"releasedCents"`
	RefundedCents int64          `json:"refundedCents"`
	DecidedBy     string         `json:"decidedBy"`
	Notes         string         `json:"notes,omitempty"`
	DecidedAt     time.Time      `json:"decidedAt"`
}

// Dispute is a disagreement about an agreement or one of its milestones.
type Dispute struct {
	ID                string   `json:"id"`
	AgreementID       string   `json:"agreementId"`
	MilestoneID       string   `json:"milestoneId"`
	PaymentID         string   `json:"paymentId,omitempty"`
	Type              Type     `json:"type"`
	Status            Status   `json:"status"`
	Description       string   `json:"description"`
	DesiredResolution string   `json:"desiredResolution,omitempty"`
	InitiatorID       string   `json:"initiatorId"`
	RespondentID      string   `json:"respondentId"`
	MediatorID        string   `json:"mediatorId,omitempty"`
	ParticipantIDs    []string `json:"participantIds"`
	// StakeCents is what was at stake when the dispute was opened.
	StakeCents int64       `json:"stakeCents"`
	Evidence   []Evidence  `json:"evidence"`
	Messages   []Message   `json:"messages"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Withdrawn  bool        `json:"withdrawn,omitempty"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
	ClosedAt   *time.Time  `json:"closedAt,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// IsActive reports whether the dispute still gates its milestone.
func (d *Dispute) IsActive() bool {
	switch d.Status {
	case StatusOpen, StatusUnderReview, StatusMediation, StatusEscalated:
		return true
	}
	return false
}

// IsParticipant reports whether userID is a party to the disputed
// agreement or the assigned mediator.
func (d *Dispute) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == d.MediatorID || d.isParty(userID)
}

func (d *Dispute) isParty(userID string) bool {
	for _, id := range d.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// others returns the participants to notify about userID's action.
func (d *Dispute) others(userID string) []string {
	out := make([]string, 0, len(d.ParticipantIDs)+1)
	for _, id := range d.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	if d.MediatorID != "" && d.MediatorID != userID {
		out = append(out, d.MediatorID)
	}
	return out
}

// Service implements the dispute workflow on top of the agreement service.
// It is also the agreements.DisputeGate.
type Service struct {
	store      docstore.Store
	agreements *agreements.Service
	events     events.Notifier
	logger     *slog.Logger
	now        func() time.Time
}

var _ agreements.DisputeGate = (*Service)(nil)

// NewService creates a dispute service sharing agr's Ledger Store.
func NewService(agr *agreements.Service) *Service {
	return &Service{
		store:      agr.Store(),
		agreements: agr,
		events:     events.Nop{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents sets the event notifier.
func (s *Service) WithEvents(n events.Notifier) *Service {
	s.events = n
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BlockingDispute returns the active dispute on a milestone, if any.
func (s *Service) BlockingDispute(ctx context.Context, r docstore.Reader, agreementID, milestoneID string) (string, error) {
	if milestoneID == "" {
		return "", nil
	}
	ds, err := docstore.FindAs[Dispute](ctx, r, docstore.Query{
		Collection: Collection,
		Filters: []docstore.Filter{
			docstore.Where("agreementId", agreementID),
			docstore.Where("milestoneId", milestoneID),
		},
	})
	if err != nil {
		return "", err
	}
	for _, d := range ds {
		if d.IsActive() {
			return d.ID, nil
		}
	}
	return "", nil
}

// OpenDisputes counts the agreement's active disputes.
func (s *Service) OpenDisputes(ctx context.Context, r docstore.Reader, agreementID string) (int, error) {
	ds, err := ForAgreement(ctx, r, agreementID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range ds {
		if d.IsActive() {
			n++
		}
	}
	return n, nil
}

// Get returns a dispute visible to userID. Staff may read any.
func (s *Service) Get(ctx context.Context, id, userID string, staff bool) (*Dispute, error) {
	d, err := load(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if !staff && !d.IsParticipant(userID) {
		return nil, ErrDisputeNotFound
	}
	return d, nil
}

// ListOptions narrows dispute listings.
type ListOptions struct {
	AgreementID string
	Status      Status
	Limit       int
}

// ListForUser returns disputes on agreements userID is a party to, newest
// first.
func (s *Service) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]*Dispute, error) {
	q := docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Contains("participantIds", userID)},
		Desc:       true,
		Limit:      opts.Limit,
	}
	return docstore.FindAs[Dispute](ctx, s.store, narrow(q, opts))
}

// ListQueue returns disputes for mediators, oldest first.
func (s *Service) ListQueue(ctx context.Context, opts ListOptions) ([]*Dispute, error) {
	q := docstore.Query{Collection: Collection, Limit: opts.Limit}
	return docstore.FindAs[Dispute](ctx, s.store, narrow(q, opts))
}

func narrow(q docstore.Query, opts ListOptions) docstore.Query {
	if opts.AgreementID != "" {
		q.Filters = append(q.Filters, docstore.Where("agreementId", opts.AgreementID))
	}
	if opts.Status != "" {
		q.Filters = append(q.Filters, docstore.Where("status", string(opts.Status)))
	}
	return q
}

// ForAgreement reads every dispute of an agreement through r.
func ForAgreement(ctx context.Context, r docstore.Reader, agreementID string) ([]*Dispute, error) {
	return docstore.FindAs[Dispute](ctx, r, docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Where("agreementId", agreementID)},
	})
}

func load(ctx context.Context, r docstore.Reader, id string) (*Dispute, error) {
	d, err := docstore.GetAs[Dispute](ctx, r, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (s *Service) notify(ctx context.Context, typ events.Type, d *Dispute, title, msg string, users ...string) {
	refs := map[string]string{"disputeId": d.ID, "agreementId": d.AgreementID}
	if d.MilestoneID != "" {
		refs["milestoneId"] = d.MilestoneID
	}
	for _, u := range users {
		s.events.Emit(ctx, events.Event{Type: typ, UserID: u, Title: title, Message: msg, Refs: refs})
	}
}
