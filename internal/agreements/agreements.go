// Package agreements manages milestone-based payment agreements.
//
// Flow:
//  1. Creator (payer) drafts an agreement split into milestones
//  2. Every party signs → active
//  3. Creator funds it → wallet escrow held for the agreement
//  4. Payee starts and submits milestones → in_progress
//  5. Creator approves a submission → escrow released to the payee
//  6. Last milestone paid → completed
//
// Every transition reads and writes through one Ledger Store transaction, so
// a milestone is never marked paid without the matching escrow release.
package agreements

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/wallet"
)

// Collections holding agreements and their milestones.
const (
	Collection          = "agreements"
	MilestoneCollection = "milestones"
)

// MaxMilestones bounds the milestones of one agreement. Up to 100, progress
// rounds to 100% only once every milestone is closed.
const MaxMilestones = 100

var (
	ErrAgreementNotFound = apperr.New(apperr.NotFound, "agreement not found")
	ErrMilestoneNotFound = apperr.New(apperr.NotFound, "milestone not found")
	ErrAmountMismatch    = apperr.New(apperr.AmountMismatch, "milestone amounts must sum to the agreement total")
	ErrNotParty          = apperr.New(apperr.Unauthorized, "not a party to this agreement")
	ErrNotCreator        = apperr.New(apperr.Unauthorized, "only the agreement creator can do this")
	ErrNotPayee          = apperr.New(apperr.Unauthorized, "only the performing party can do this")
	ErrInvalidStatus     = apperr.New(apperr.InvalidTransition, "invalid agreement status for this operation")
	ErrInvalidMilestone  = apperr.New(apperr.InvalidTransition, "invalid milestone status for this operation")
	ErrDisputeInProgress = apperr.New(apperr.DisputeInProgress, "milestone has a dispute in progress")
	ErrFullyFunded       = apperr.New(apperr.InvalidRequest, "agreement is already fully funded")
)

// Status of an agreement.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingSignatures Status = "pending_signatures"
	StatusActive            Status = "active"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
)

// MilestoneStatus is the state of one milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestonePaid       MilestoneStatus = "paid"
	MilestoneDisputed   MilestoneStatus = "disputed"
)

// Role of a party.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// Party is one signatory.
type Party struct {
	UserID    string     `json:"userId"`
	Role      Role       `json:"role"`
	HasSigned bool       `json:"hasSigned"`
	SignedAt  *time.Time `json:"signedAt,omitempty"`
}

// Agreement is a contract whose value is paid out milestone by milestone.
type Agreement struct {
	ID          string  `json:"id"`
	CreatorID   string  `json:"creatorId"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Currency    string  `json:"currency"`
	Status      Status  `json:"status"`
	Parties     []Party `json:"parties"`
	// ParticipantIDs mirrors Parties for "agreements I am in" queries.
	ParticipantIDs []string `json:"participantIds"`

	TotalValueCents      int64 `json:"totalValueCents"`
	PaidAmountCents      int64 `json:"paidAmountCents"`
	RemainingAmountCents int64 `json:"remainingAmountCents"`
	// FundedCents is the escrow currently held for the agreement.
	FundedCents int64 `json:"fundedCents"`

	CompletedMilestones int `json:"completedMilestones"`
	TotalMilestones     int `json:"totalMilestones"`
	ProgressPercent     int `json:"progressPercent"`

	PreDisputeStatus   Status     `json:"preDisputeStatus,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
	SignedAt           *time.Time `json:"signedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether the agreement can no longer change.
func (a *Agreement) IsTerminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusCancelled
}

// Party returns the party entry for userID.
func (a *Agreement) Party(userID string) (*Party, bool) {
	for i := range a.Parties {
		if a.Parties[i].UserID == userID {
			return &a.Parties[i], true
		}
	}
	return nil, false
}

// IsParty reports whether userID signs this agreement.
func (a *Agreement) IsParty(userID string) bool {
	_, ok := a.Party(userID)
	return ok
}

// PayerID is the paying side, which is always the creator.
func (a *Agreement) PayerID() string { return a.CreatorID }

// Counterparties returns every party except userID.
func (a *Agreement) Counterparties(userID string) []string {
	var out []string
	for _, p := range a.Parties {
		if p.UserID != userID {
			out = append(out, p.UserID)
		}
	}
	return out
}

// Milestone is one deliverable and its payment.
type Milestone struct {
	ID               string          `json:"id"`
	AgreementID      string          `json:"agreementId"`
	Sequence         int             `json:"sequence"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	AmountCents      int64           `json:"amountCents"`
	PaidCents        int64           `json:"paidCents"`
	PayeeID          string          `json:"payeeId"`
	Status           MilestoneStatus `json:"status"`
	PreDisputeStatus MilestoneStatus `json:"preDisputeStatus,omitempty"`
	DisputeID        string          `json:"disputeId,omitempty"`
	RejectionReason  string          `json:"rejectionReason,omitempty"`
	DueDate          *time.Time      `json:"dueDate,omitempty"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	SubmittedAt      *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt       *time.Time      `json:"approvedAt,omitempty"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsClosed reports whether the milestone is settled one way or another.
func (m *Milestone) IsClosed() bool {
	return m.Status == MilestonePaid || m.Status == MilestoneCompleted
}

// Outstanding is the part of the milestone not yet paid.
func (m *Milestone) Outstanding() int64 {
	if m.IsClosed() {
		return 0
	}
	return m.AmountCents - m.PaidCents
}

// DisputeGate reports disputes that freeze a milestone's funds.
type DisputeGate interface {
	// BlockingDispute returns the id of a non-terminal dispute on the
	// milestone, or "" when there is none. Reads go through r so a
	// transaction sees disputes opened concurrently as conflicts.
	BlockingDispute(ctx context.Context, r docstore.Reader, agreementID, milestoneID string) (string, error)
	// OpenDisputes counts the agreement's non-terminal disputes.
	OpenDisputes(ctx context.Context, r docstore.Reader, agreementID string) (int, error)
}

// Service implements the agreement lifecycle.
type Service struct {
	store  docstore.Store
	wallet *wallet.Engine
	gate   DisputeGate
	events events.Notifier
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an agreement service that moves money through engine.
func NewService(store docstore.Store, engine *wallet.Engine) *Service {
	return &Service{
		store:  store,
		wallet: engine,
		events: events.Nop{},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithDisputeGate sets the gate consulted before releasing funds.
func (s *Service) WithDisputeGate(g DisputeGate) *Service {
	s.gate = g
	return s
}

// WithEvents sets the lifecycle event notifier.
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

// Store returns the Ledger Store the service writes to.
func (s *Service) Store() docstore.Store { return s.store }

// Wallet returns the engine used for escrow movements.
func (s *Service) Wallet() *wallet.Engine { return s.wallet }

// Get returns an agreement the caller is a party to. Staff may read any.
func (s *Service) Get(ctx context.Context, id, userID string, staff bool) (*Agreement, error) {
	a, err := LoadAgreement(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if !staff && !a.IsParty(userID) {
		// Hide existence from outsiders.
		return nil, ErrAgreementNotFound
	}
	return a, nil
}

// ListOptions narrows ListForUser.
type ListOptions struct {
	Status Status
	Limit  int
}

// ListForUser returns agreements userID is a party to, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]*Agreement, error) {
	q := docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Contains("participantIds", userID)},
		Desc:       true,
		Limit:      opts.Limit,
	}
	if opts.Status != "" {
		q.Filters = append(q.Filters, docstore.Where("status", string(opts.Status)))
	}
	return docstore.FindAs[Agreement](ctx, s.store, q)
}

// ListMilestones returns an agreement's milestones in sequence order.
func (s *Service) ListMilestones(ctx context.Context, agreementID, userID string, staff bool) ([]*Milestone, error) {
	if _, err := s.Get(ctx, agreementID, userID, staff); err != nil {
		return nil, err
	}
	return LoadMilestones(ctx, s.store, agreementID)
}

// LoadAgreement reads an agreement through r.
func LoadAgreement(ctx context.Context, r docstore.Reader, id string) (*Agreement, error) {
	a, err := docstore.GetAs[Agreement](ctx, r, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrAgreementNotFound
	}
	return a, err
}

// LoadMilestones reads every milestone of an agreement in sequence order.
func LoadMilestones(ctx context.Context, r docstore.Reader, agreementID string) ([]*Milestone, error) {
	return docstore.FindAs[Milestone](ctx, r, docstore.Query{
		Collection: MilestoneCollection,
		Filters:    []docstore.Filter{docstore.Where("agreementId", agreementID)},
		OrderBy:    "sequence",
	})
}

func findMilestone(ms []*Milestone, id string) (*Milestone, error) {
	for _, m := range ms {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, ErrMilestoneNotFound
}

func (s *Service) notify(ctx context.Context, typ events.Type, a *Agreement, m *Milestone, title, msg string, users ...string) {
	refs := map[string]string{"agreementId": a.ID}
	if m != nil {
		refs["milestoneId"] = m.ID
	}
	for _, u := range users {
		s.events.Emit(ctx, events.Event{Type: typ, UserID: u, Title: title, Message: msg, Refs: refs})
	}
}
