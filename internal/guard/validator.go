// Package guard decides whether a destination URL may be contacted from
// inside our network and pins the address the connection must go to.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"

	"github.com/sourcegraph/conc"
)

// Rejection codes, also used as metric labels.
const (
	CodeMalformedURL    = "malformed_url"
	CodeScheme          = "disallowed_scheme"
	CodeBlockedHostname = "blocked_hostname"
	CodePrivateLiteral  = "private_address"
	CodePrivateResolved = "private_resolved_address"
	CodeDNSFailure      = "dns_failure"
	CodeNoAddress       = "no_address"
)

// RejectError is returned by Validate when a destination must not be contacted.
type RejectError struct {
	Code   string
	Reason string
}

func (e *RejectError) Error() string {
	return e.Reason
}

func reject(code, format string, args ...any) *RejectError {
	return &RejectError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsReject unwraps err into a *RejectError when possible.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Resolver is the subset of *net.Resolver the validator needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config controls validation policy.
type Config struct {
	// Hardened rejects plaintext http destinations.
	Hardened bool
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// Allow exempts addresses from the private-range checks. Intended for
	// receivers deliberately hosted on an internal network, and for tests.
	Allow []netip.Prefix
}

// Result describes a destination that passed validation.
type Result struct {
	URL       *url.URL
	Host      string
	Port      string
	Pinned    netip.Addr
	Addresses []netip.Addr
}

// PinnedAddr is the host:port the connection must be made to.
func (r Result) PinnedAddr() string {
	return net.JoinHostPort(r.Pinned.String(), r.Port)
}

type Validator struct {
	hardened bool
	resolver Resolver
	allow    []netip.Prefix
}

func New(cfg Config) *Validator {
	r := cfg.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return &Validator{hardened: cfg.Hardened, resolver: r, allow: cfg.Allow}
}

// Validate runs the checks in order and stops at the first failure. The
// returned error is always a *RejectError.
func (v *Validator) Validate(ctx context.Context, raw string) (Result, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Result{}, reject(CodeMalformedURL, "malformed url: %v", err)
	}
	host := normalizeHost(u.Hostname())
	if u.Scheme == "" || host == "" || u.Opaque != "" {
		return Result{}, reject(CodeMalformedURL, "malformed url: scheme and host are required")
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
	case "http":
		if v.hardened {
			return Result{}, reject(CodeScheme, "scheme %q is not allowed, use https", scheme)
		}
	default:
		return Result{}, reject(CodeScheme, "scheme %q is not allowed", scheme)
	}

	port, err := portOf(u, scheme)
	if err != nil {
		return Result{}, reject(CodeMalformedURL, "malformed url: %v", err)
	}

	if IsBlockedHostname(host) {
		return Result{}, reject(CodeBlockedHostname, "hostname %q is blocked", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if v.blocked(addr) {
			return Result{}, reject(CodePrivateLiteral, "address %s is in a blocked private/loopback/link-local range", addr)
		}
		return Result{URL: u, Host: host, Port: port, Pinned: addr.WithZone("").Unmap(), Addresses: []netip.Addr{addr}}, nil
	}
	if looksNumeric(host) {
		return Result{}, reject(CodeMalformedURL, "host %q is an ambiguous numeric address", host)
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return Result{}, reject(CodeDNSFailure, "resolve %q: %v", host, err)
	}
	if len(addrs) == 0 {
		return Result{}, reject(CodeNoAddress, "hostname %q resolved to no usable addresses", host)
	}
	for _, a := range addrs {
		if v.blocked(a) {
			return Result{}, reject(CodePrivateResolved, "hostname %q resolves to blocked private address %s", host, a)
		}
	}

	return Result{URL: u, Host: host, Port: port, Pinned: pick(addrs), Addresses: addrs}, nil
}

// resolve performs the A and AAAA lookups independently; an error is returned
// only when neither lookup produced an answer.
func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		v4, v6     []netip.Addr
		err4, err6 error
		wg         conc.WaitGroup
	)
	wg.Go(func() { v4, err4 = v.resolver.LookupNetIP(ctx, "ip4", host) })
	wg.Go(func() { v6, err6 = v.resolver.LookupNetIP(ctx, "ip6", host) })
	wg.Wait()

	seen := make(map[netip.Addr]struct{}, len(v4)+len(v6))
	var out []netip.Addr
	for _, a := range append(v4, v6...) {
		a = a.WithZone("").Unmap()
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	if len(out) == 0 && (err4 != nil || err6 != nil) {
		return nil, errors.Join(err4, err6)
	}
	return out, nil
}

// Resolver returns the resolver used for validation, so connect-time lookups
// see the same DNS view.
func (v *Validator) Resolver() Resolver {
	return v.resolver
}

// Control is a net.Dialer Control hook that refuses sockets to blocked
// addresses at connect time, whatever the dialer was asked to reach.
func (v *Validator) Control(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("connect guard: unparseable address %q", address)
	}
	if v.blocked(ap.Addr()) {
		return fmt.Errorf("connect guard: address %s is blocked", ap.Addr())
	}
	return nil
}

func (v *Validator) blocked(addr netip.Addr) bool {
	a := addr.WithZone("").Unmap()
	for _, p := range v.allow {
		if p.Contains(a) {
			return false
		}
	}
	return IsBlockedAddr(a)
}

// pick prefers the first IPv4 answer, falling back to the first IPv6 one.
func pick(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Is4() {
			return a
		}
	}
	return addrs[0]
}

func portOf(u *url.URL, scheme string) (string, error) {
	p := u.Port()
	if p == "" {
		if scheme == "https" {
			return "443", nil
		}
		return "80", nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", p)
	}
	return p, nil
}
