package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint marks webhook URLs the platform refuses to call.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google", "instance-data"}

// Shared address space and the cloud metadata range are not covered by
// netip's IsPrivate.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fd00:ec2::/32"),
}

// EndpointPolicy decides which subscriber URLs webhook deliveries may reach.
// Both the literal host and every resolved address must be public.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http endpoints.
	RequireHTTPS bool
	// Lookup resolves host names. Nil uses net.DefaultResolver.
	Lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

// ProductionPolicy is the policy for production deployments.
func ProductionPolicy() EndpointPolicy {
	return EndpointPolicy{RequireHTTPS: true}
}

// Validator adapts the policy to a plain func for callers without a context.
func (p EndpointPolicy) Validator() func(string) error {
	return func(rawURL string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Validate(ctx, rawURL)
	}
}

// Validate checks rawURL against the policy.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return fmt.Errorf("%w: URL scheme must be https", ErrBlockedEndpoint)
		}
	default:
		return fmt.Errorf("%w: URL scheme must be http or https", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: URL must not carry credentials", ErrBlockedEndpoint)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) || strings.HasSuffix(strings.ToLower(host), ".localhost") {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := p.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedEndpoint, host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func (p EndpointPolicy) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if p.Lookup != nil {
		return p.Lookup(ctx, host)
	}
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case addr.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case addr.IsUnspecified(), addr.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrBlockedEndpoint)
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: reserved address %s", ErrBlockedEndpoint, addr)
		}
	}
	return nil
}

// ValidateEndpointURL validates rawURL with the default development policy.
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Validator()(rawURL)
}
