// ABOUTME: Network trust classification for peer addresses
// ABOUTME: Detects loopback and tailnet peers and resolves client IPs behind trusted proxies

package trust

import (
	"net"
	"net/netip"
	"strings"

	"tailscale.com/net/tsaddr"
)

// Classifier decides whether a peer address counts as local to this host.
// SelfAddrs is injectable so tests don't depend on the machine's interfaces.
type Classifier struct {
	SelfAddrs func() []netip.Addr
}

// NewClassifier returns a Classifier that reads the host's interface
// addresses on each call.
func NewClassifier() *Classifier {
	return &Classifier{SelfAddrs: interfaceAddrs}
}

// IsLocalAddress reports whether addr is loopback or one of this host's own
// tailnet addresses. addr may carry a port.
func (c *Classifier) IsLocalAddress(addr string) bool {
	ip, ok := parseHost(addr)
	if !ok {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if !tsaddr.IsTailscaleIP(ip) {
		return false
	}
	for _, self := range c.SelfAddrs() {
		if self.Unmap() == ip {
			return true
		}
	}
	return false
}

// ResolveClientIP returns the true client address for a request that may
// have passed through reverse proxies. Forwarding headers are only honored
// when the direct peer is a configured trusted proxy; an untrusted hop's
// headers are ignored entirely.
func ResolveClientIP(remoteAddr, forwardedFor, realIP string, trustedProxies []string) string {
	remoteIP, ok := parseHost(remoteAddr)
	if !ok {
		return remoteAddr
	}
	trusted := false
	for _, p := range trustedProxies {
		if proxyIP, ok := parseHost(p); ok && proxyIP == remoteIP {
			trusted = true
			break
		}
	}
	if !trusted {
		return remoteAddr
	}
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.SplitN(forwardedFor, ",", 2)[0])
		if ip, ok := parseHost(first); ok {
			return ip.String()
		}
	}
	if realIP != "" {
		if ip, ok := parseHost(realIP); ok {
			return ip.String()
		}
	}
	return remoteAddr
}

// parseHost parses an IP that may include a port or brackets, unmapping
// IPv4-in-IPv6 forms so 127.0.0.1 and ::ffff:127.0.0.1 compare equal.
func parseHost(addr string) (netip.Addr, bool) {
	s := strings.TrimSpace(addr)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// interfaceAddrs collects the host's assigned unicast addresses.
func interfaceAddrs() []netip.Addr {
	var out []netip.Addr
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipNet.IP); ok {
			out = append(out, ip.Unmap())
		}
	}
	return out
}
