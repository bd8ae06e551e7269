// Package security restricts where outbound push deliveries may connect.
//
// Subscription endpoints are supplied by browsers and therefore by users.
// GuardedTransport resolves each endpoint host and refuses to dial loopback,
// private, link-local (including the cloud metadata service) and other
// non-routable ranges.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// dnsTimeout bounds endpoint host resolution.
const dnsTimeout = 500 * time.Millisecond

var (
	// ErrBlockedAddress is returned when an endpoint resolves into a blocked range.
	ErrBlockedAddress = errors.New("security: endpoint address is not publicly routable")
	// ErrResolve is returned when an endpoint host cannot be resolved.
	ErrResolve = errors.New("security: endpoint host resolution failed")
	// ErrTooManyRedirects is returned when a push service redirects too often.
	ErrTooManyRedirects = errors.New("security: too many redirects")
)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("::1/128"),
}

// IsBlocked reports whether addr falls in a range push deliveries may not reach.
func IsBlocked(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for tests.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates endpoint hosts against the blocklist.
type Guard struct {
	resolver Resolver
}

// NewGuard returns a Guard using r, or net.DefaultResolver when r is nil.
func NewGuard(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r}
}

// resolve returns the addresses of host, failing if any of them is blocked.
// Every address is checked so a mixed answer cannot slip a private IP through.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
		}
		return []netip.Addr{addr}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupNetIP(dnsCtx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: host %q: %v", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrResolve, host)
	}
	for _, a := range addrs {
		if IsBlocked(a) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, a.Unmap(), host)
		}
	}
	return addrs, nil
}

// CheckURL validates the host of rawURL.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: unable to extract host from %q", ErrBlockedAddress, rawURL)
	}
	_, err = g.resolve(ctx, u.Hostname())
	return err
}

// DialContext resolves addr, checks every address, then dials the first one.
// Dialing the checked IP rather than the hostname closes the window for DNS
// rebinding between check and connect.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect hook enforcing both the
// redirect limit and the blocklist on each hop.
func (g *Guard) CheckRedirect(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		return g.CheckURL(req.Context(), req.URL.String())
	}
}

// NewHTTPClient returns an http.Client whose connections go through the guard.
func NewHTTPClient(timeout time.Duration, maxRedirects int, r Resolver) *http.Client {
	g := NewGuard(r)
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.DialContext
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}
