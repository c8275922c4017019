// Package rails adapts external payment processors that move money into and
// out of wallets. Rails only report outcomes; balances are owned by the
// wallet engine.
package rails

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/milepay/internal/circuitbreaker"
)

// Source kinds for deposits.
const (
	SourceCard = "card"
	SourceBank = "bank"
)

// Destination kinds for withdrawals.
const (
	DestinationBank    = "bank"
	DestinationInstant = "instant"
)

var (
	// ErrDeclined means the processor refused the instrument. It is a business
	// outcome, not an outage, and never trips the circuit breaker.
	ErrDeclined = errors.New("rails: declined")

	// ErrUnsupported means no rail is registered for the kind.
	ErrUnsupported = errors.New("rails: unsupported kind")
)

// DeclineError carries the processor's reason for a decline.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string { return "rails: declined: " + e.Reason }
func (e *DeclineError) Unwrap() error { return ErrDeclined }

// Declined builds a decline error.
func Declined(format string, args ...any) error {
	return &DeclineError{Reason: fmt.Sprintf(format, args...)}
}

// ChargeRequest pulls funds from a payment source.
type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	SourceToken    string
	IdempotencyKey string
	Description    string
}

// PayoutRequest pushes funds to a destination.
type PayoutRequest struct {
	AmountCents    int64
	Currency       string
	Destination    string
	Instant        bool
	IdempotencyKey string
	Description    string
}

// Result is the processor's acknowledgement.
type Result struct {
	ExternalRef string
	// Settled is false when the processor will confirm asynchronously.
	Settled bool
}

// Rail is one payment processor.
type Rail interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Payout(ctx context.Context, req PayoutRequest) (*Result, error)
}

// Registry routes source and destination kinds to rails, each call guarded by
// a per-rail circuit breaker.
type Registry struct {
	sources      map[string]Rail
	destinations map[string]Rail
	breaker      *circuitbreaker.Breaker
}

// NewRegistry creates an empty registry. A nil breaker disables guarding.
func NewRegistry(breaker *circuitbreaker.Breaker) *Registry {
	if breaker != nil {
		breaker.WithFailurePredicate(func(err error) bool { return !errors.Is(err, ErrDeclined) })
	}
	return &Registry{
		sources:      make(map[string]Rail),
		destinations: make(map[string]Rail),
		breaker:      breaker,
	}
}

// HandleSource routes deposits from a source kind to rail.
func (r *Registry) HandleSource(kind string, rail Rail) *Registry {
	r.sources[kind] = rail
	return r
}

// HandleDestination routes withdrawals to a destination kind through rail.
func (r *Registry) HandleDestination(kind string, rail Rail) *Registry {
	r.destinations[kind] = rail
	return r
}

// Circuits reports the breaker state of every rail that has failed. It is
// nil when the registry is unguarded.
func (r *Registry) Circuits() []circuitbreaker.KeyState {
	if r.breaker == nil {
		return nil
	}
	return r.breaker.Snapshot()
}

// SupportsSource reports whether deposits from kind can be processed.
func (r *Registry) SupportsSource(kind string) bool {
	_, ok := r.sources[kind]
	return ok
}

// SupportsDestination reports whether withdrawals to kind can be processed.
func (r *Registry) SupportsDestination(kind string) bool {
	_, ok := r.destinations[kind]
	return ok
}

// Charge pulls funds through the rail registered for kind.
func (r *Registry) Charge(ctx context.Context, kind string, req ChargeRequest) (*Result, string, error) {
	rail, ok := r.sources[kind]
	if !ok {
		return nil, "", fmt.Errorf("%w: source %q", ErrUnsupported, kind)
	}
	var res *Result
	err := r.guard(ctx, rail, func(ctx context.Context) error {
		var err error
		res, err = rail.Charge(ctx, req)
		return err
	})
	observe(rail.Name(), "charge", err)
	return res, rail.Name(), err
}

// Payout pushes funds through the rail registered for kind.
func (r *Registry) Payout(ctx context.Context, kind string, req PayoutRequest) (*Result, string, error) {
	rail, ok := r.destinations[kind]
	if !ok {
		return nil, "", fmt.Errorf("%w: destination %q", ErrUnsupported, kind)
	}
	req.Instant = kind == DestinationInstant
	var res *Result
	err := r.guard(ctx, rail, func(ctx context.Context) error {
		var err error
		res, err = rail.Payout(ctx, req)
		return err
	})
	observe(rail.Name(), "payout", err)
	return res, rail.Name(), err
}

func (r *Registry) guard(ctx context.Context, rail Rail, fn func(context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, rail.Name(), fn)
}
