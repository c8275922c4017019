package rails

import (
	"context"
	"strings"
	"sync"

	"github.com/mbd888/milepay/internal/idgen"
)

// Test instruments understood by the sandbox.
const (
	SandboxDeclineToken    = "tok_decline"
	SandboxRejectAccount   = "acct_reject"
	SandboxOutageToken     = "tok_outage"
	sandboxRefPrefixCharge = "sbx_ch_"
	sandboxRefPrefixPayout = "sbx_po_"
)

// SandboxRail is an in-process processor for development and tests. Charges
// succeed unless the token is SandboxDeclineToken; instant payouts settle
// immediately and bank payouts settle asynchronously.
type SandboxRail struct {
	mu   sync.Mutex
	seen map[string]*Result
}

// NewSandboxRail creates a sandbox processor.
func NewSandboxRail() *SandboxRail {
	return &SandboxRail{seen: make(map[string]*Result)}
}

// Name implements Rail.
func (s *SandboxRail) Name() string { return "sandbox" }

// Charge implements Rail.
func (s *SandboxRail) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case req.SourceToken == SandboxDeclineToken:
		return nil, Declined("card declined")
	case req.SourceToken == SandboxOutageToken:
		return nil, errSandboxOutage
	case strings.TrimSpace(req.SourceToken) == "":
		return nil, Declined("missing payment source")
	}
	return s.remember(req.IdempotencyKey, func() *Result {
		return &Result{ExternalRef: idgen.WithPrefix(sandboxRefPrefixCharge), Settled: true}
	}), nil
}

// Payout implements Rail.
func (s *SandboxRail) Payout(ctx context.Context, req PayoutRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Destination == SandboxRejectAccount {
		return nil, Declined("destination account rejected")
	}
	return s.remember(req.IdempotencyKey, func() *Result {
		return &Result{ExternalRef: idgen.WithPrefix(sandboxRefPrefixPayout), Settled: req.Instant}
	}), nil
}

// remember replays the first result for a repeated idempotency key, the way
// real processors do.
func (s *SandboxRail) remember(key string, mk func() *Result) *Result {
	if key == "" {
		return mk()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.seen[key]; ok {
		return r
	}
	r := mk()
	s.seen[key] = r
	return r
}

type sandboxError string

func (e sandboxError) Error() string { return string(e) }

const errSandboxOutage = sandboxError("sandbox: simulated processor outage")
