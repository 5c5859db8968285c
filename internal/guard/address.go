package guard

import (
	"net/netip"
	"strings"
)

// Hostnames that are refused before any resolution takes place.
var blockedHostnames = map[string]struct{}{
	"localhost":                  {},
	"0.0.0.0":                    {},
	"metadata":                   {},
	"metadata.google.internal":   {},
	"metadata.goog":              {},
	"metadata.azure.com":         {},
	"instance-data":              {},
	"instance-data.ec2.internal": {},
}

// Ranges not covered by the netip classification helpers.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // "this network"
	netip.MustParsePrefix("100.64.0.0/10"),  // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),   // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"),  // benchmarking
	netip.MustParsePrefix("240.0.0.0/4"),    // reserved, includes broadcast
	netip.MustParsePrefix("fec0::/10"),      // deprecated site-local
	netip.MustParsePrefix("100::/64"),       // discard-only
	netip.MustParsePrefix("::/96"),          // deprecated IPv4-compatible
	netip.MustParsePrefix("64:ff9b:1::/48"), // local-use NAT64
}

var (
	nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour   = netip.MustParsePrefix("2002::/16")
	teredo      = netip.MustParsePrefix("2001::/32")
)

// IsBlockedHostname reports whether host is on the fixed deny-list. Any name
// under the .localhost top-level domain is also refused.
func IsBlockedHostname(host string) bool {
	h := normalizeHost(host)
	if _, ok := blockedHostnames[h]; ok {
		return true
	}
	return strings.HasSuffix(h, ".localhost")
}

// IsBlockedAddr reports whether addr is loopback, private, link-local,
// unique-local, multicast, unspecified or otherwise not publicly routable.
// IPv4-mapped, NAT64, 6to4 and Teredo IPv6 forms are classified by the IPv4
// address they embed.
func IsBlockedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("").Unmap()

	if addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}

	if addr.Is6() {
		b := addr.As16()
		switch {
		case nat64Prefix.Contains(addr):
			return IsBlockedAddr(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
		case sixToFour.Contains(addr):
			return IsBlockedAddr(netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}))
		case teredo.Contains(addr):
			// The client address is stored with every bit inverted.
			return IsBlockedAddr(netip.AddrFrom4([4]byte{^b[12], ^b[13], ^b[14], ^b[15]}))
		}
	}
	return false
}

// looksNumeric catches hosts such as "2130706433", "0x7f.1" or "017700000001"
// that some resolvers interpret as IPv4 addresses in alternate notations.
func looksNumeric(host string) bool {
	if host == "" {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			continue
		}
		l := strings.ToLower(label)
		if strings.HasPrefix(l, "0x") {
			l = l[2:]
			if l == "" || strings.Trim(l, "0123456789abcdef") != "" {
				return false
			}
			continue
		}
		if strings.Trim(l, "0123456789") != "" {
			return false
		}
	}
	return true
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
