// Package security guards outbound requests made on behalf of registered
// jobs. Job URLs are supplied by API callers, so every connection the
// replay client opens is checked against loopback, private, link-local and
// cloud metadata ranges before it is dialed.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// DefaultLookupTimeout bounds a single DNS resolution.
const DefaultLookupTimeout = 2 * time.Second

var (
	// ErrBlockedAddress is returned when a host resolves into a blocked range.
	ErrBlockedAddress = errors.New("egress: address is not publicly routable")
	// ErrLookupFailed is returned when the host cannot be resolved.
	ErrLookupFailed = errors.New("egress: host lookup failed")
	// ErrTooManyRedirects is returned once the redirect limit is reached.
	ErrTooManyRedirects = errors.New("egress: too many redirects")
)

var blockedPrefixes = mustParsePrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// Blocked reports whether addr must not be dialed. IPv4-mapped IPv6
// addresses are checked as IPv4.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard resolves and vets hosts before connecting to them.
type Guard struct {
	resolver      Resolver
	lookupTimeout time.Duration
	dialer        net.Dialer
}

// NewGuard returns a Guard using resolver, or net.DefaultResolver when nil.
func NewGuard(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{
		resolver:      resolver,
		lookupTimeout: DefaultLookupTimeout,
		dialer:        net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
}

// resolve returns the addresses for host, failing if any of them is
// blocked. Rejecting mixed answers closes the rebinding gap where a public
// and a private record are returned together.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if Blocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
		}
		return []netip.Addr{addr}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrLookupFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %q has no addresses", ErrLookupFailed, host)
	}
	for _, a := range addrs {
		if Blocked(a) {
			return nil, fmt.Errorf("%w: %s (from %q)", ErrBlockedAddress, a.Unmap(), host)
		}
	}
	return addrs, nil
}

// DialContext dials the first vetted address for addr. It dials the
// resolved IP, never the hostname, so a second lookup cannot swap targets.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
}

// Transport returns a clone of base (http.DefaultTransport when nil) whose
// connections go through the guard. Proxies are disabled so the guard sees
// the real destination.
func (g *Guard) Transport(base *http.Transport) *http.Transport {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	t := base.Clone()
	t.Proxy = nil
	t.DialContext = g.DialContext
	return t
}

// CheckRedirect returns an http.Client redirect policy that follows at most
// maxRedirects hops and refuses redirects into blocked ranges.
func (g *Guard) CheckRedirect(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect has no host", ErrBlockedAddress)
		}
		_, err := g.resolve(req.Context(), host)
		return err
	}
}

// Client returns an http.Client wired with the guard's transport and
// redirect policy.
func (g *Guard) Client(maxRedirects int) *http.Client {
	return &http.Client{
		Transport:     g.Transport(nil),
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}

// IsRejected reports whether err came from the guard refusing a target.
func IsRejected(err error) bool {
	return errors.Is(err, ErrBlockedAddress) || errors.Is(err, ErrTooManyRedirects)
}
