package rails

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeRail charges cards with PaymentIntents and pays out with Payouts.
type StripeRail struct {
	api *client.API
}

// NewStripeRail creates a rail authenticated with secretKey.
func NewStripeRail(secretKey string) *StripeRail {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeRail{api: api}
}

// NewStripeRailWithBackends is used by tests to point the client at a fake API.
func NewStripeRailWithBackends(secretKey string, backends *stripe.Backends) *StripeRail {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeRail{api: api}
}

// Name implements Rail.
func (s *StripeRail) Name() string { return "stripe" }

// Charge confirms a PaymentIntent against the payment method token.
func (s *StripeRail) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(req.SourceToken),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Description:        stripe.String(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, Declined("payment intent %s", pi.Status)
	}
	return &Result{ExternalRef: pi.ID, Settled: true}, nil
}

// Payout sends funds to a connected bank account or debit card.
func (s *StripeRail) Payout(ctx context.Context, req PayoutRequest) (*Result, error) {
	method := stripe.PayoutMethodStandard
	if req.Instant {
		method = stripe.PayoutMethodInstant
	}
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
		Method:      stripe.String(string(method)),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	po, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, classify(err)
	}
	switch po.Status {
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return nil, Declined("payout %s", po.Status)
	}
	return &Result{ExternalRef: po.ID, Settled: po.Status == stripe.PayoutStatusPaid}, nil
}

// classify turns Stripe card and request errors into declines; everything
// else stays an infrastructure error.
func classify(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch serr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			reason := serr.Msg
			if serr.Code != "" {
				reason = string(serr.Code)
			}
			return Declined("%s", reason)
		}
	}
	return err
}
