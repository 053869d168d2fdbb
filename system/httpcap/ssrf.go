package httpcap

import (
	"context"
	"fmt"
	"net"

	"github.com/cyfrworks/cyfr/system/errkind"
)

// isPrivateOrReserved reports whether ip must never be reachable from a
// sandboxed component: loopback, link-local, private RFC1918/RFC4193
// ranges, and other reserved blocks. IPv4-mapped IPv6 addresses
// (::ffff:x.y.z.w) are unwrapped to their IPv4 form first so a component
// cannot bypass the block by requesting the v6-mapped form of a private
// v4 address.
func isPrivateOrReserved(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}

	// IsPrivate covers RFC1918/RFC4193; this adds the carrier-grade NAT
	// range (100.64.0.0/10), the full 0.0.0.0/8 "this network" block (not
	// just the unspecified address IsUnspecified already catches), and
	// multicast/reserved space IsPrivate misses.
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 0 {
			return true
		}
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		if ip4[0] >= 224 { // multicast and reserved class E
			return true
		}
	}

	return false
}

// ErrDestinationBlocked is returned when a resolved address is private or
// reserved, so no HTTP capability ever connects to it.
type ErrDestinationBlocked struct {
	Host string
	IP   string
}

func (e *ErrDestinationBlocked) Error() string {
	return fmt.Sprintf("private_ip_blocked: %s resolved to disallowed address %s", e.Host, e.IP)
}

// ErrorKind implements errkind.Coded.
func (e *ErrDestinationBlocked) ErrorKind() errkind.Kind { return errkind.KindPrivateIPBlocked }

// ErrDNSLookupFailed is returned when a hostname cannot be resolved at all,
// distinct from ErrDestinationBlocked so callers can report the
// spec-mandated dns_error kind rather than a generic network error.
type ErrDNSLookupFailed struct {
	Host  string
	Cause error
}

func (e *ErrDNSLookupFailed) Error() string {
	return fmt.Sprintf("dns_error: failed to resolve %s: %v", e.Host, e.Cause)
}

func (e *ErrDNSLookupFailed) Unwrap() error { return e.Cause }

// ErrorKind implements errkind.Coded.
func (e *ErrDNSLookupFailed) ErrorKind() errkind.Kind { return errkind.KindDNSError }

// safeDialContext wraps a net.Dialer's DialContext so every connection
// this capability's HTTP client makes is checked against
// isPrivateOrReserved after DNS resolution and before the TCP handshake,
// closing the classic SSRF DNS-rebinding gap of only checking the
// hostname.
func safeDialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, &ErrDNSLookupFailed{Host: host, Cause: err}
		}

		for _, ip := range ips {
			if isPrivateOrReserved(ip) {
				return nil, &ErrDestinationBlocked{Host: host, IP: ip.String()}
			}
		}

		// Dial the first resolved address explicitly so the connection
		// target is exactly the address just validated above, not subject
		// to a second, independent resolution inside Dial.
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}
