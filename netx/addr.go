package netx

import (
	"fmt"
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// HostPort - Extracts the transport protocol ("tcp" or "udp") and the dialable
// host:port pair from addr.
func HostPort(addr ma.Multiaddr) (string, string, error) {
	if addr == nil {
		return "", "", fmt.Errorf("nil address")
	}
	host, _, err := hostOf(addr)
	if err != nil {
		return "", "", err
	}
	if port, err := addr.ValueForProtocol(ma.P_TCP); err == nil {
		return "tcp", net.JoinHostPort(host, port), nil
	}
	if port, err := addr.ValueForProtocol(ma.P_UDP); err == nil {
		return "udp", net.JoinHostPort(host, port), nil
	}
	return "", "", fmt.Errorf("address %s has no tcp or udp component", addr)
}

func hostOf(addr ma.Multiaddr) (host string, proto string, err error) {
	for _, p := range []struct {
		code int
		name string
	}{
		{ma.P_IP4, "ip4"}, {ma.P_IP6, "ip6"}, {ma.P_DNS4, "dns4"}, {ma.P_DNS6, "dns6"}, {ma.P_DNS, "dns"},
	} {
		if v, err := addr.ValueForProtocol(p.code); err == nil {
			return v, p.name, nil
		}
	}
	return "", "", fmt.Errorf("address %s has no host component", addr)
}

// IsQUIC - Reports whether addr names a QUIC endpoint.
func IsQUIC(addr ma.Multiaddr) bool {
	_, err := addr.ValueForProtocol(ma.P_QUIC_V1)
	return err == nil
}

// ExpandUnspecified - Replaces an unspecified host (0.0.0.0 or ::) with every
// local interface address of the same family, loopback addresses last.
// Specified addresses are returned as is.
func ExpandUnspecified(addr ma.Multiaddr) []ma.Multiaddr {
	if !manet.IsIPUnspecified(addr) {
		return []ma.Multiaddr{addr}
	}
	host, family, err := hostOf(addr)
	if err != nil {
		return []ma.Multiaddr{addr}
	}
	rest := strings.TrimPrefix(addr.String(), "/"+family+"/"+host)

	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return []ma.Multiaddr{addr}
	}
	var out, loopback []ma.Multiaddr
	for _, ia := range ifaces {
		if _, err := ia.ValueForProtocol(familyCode(family)); err != nil {
			continue
		}
		m, err := ma.NewMultiaddr(ia.String() + rest)
		if err != nil {
			continue
		}
		if manet.IsIPLoopback(m) {
			loopback = append(loopback, m)
			continue
		}
		out = append(out, m)
	}
	out = append(out, loopback...)
	if len(out) == 0 {
		return []ma.Multiaddr{addr}
	}
	return out
}

func familyCode(family string) int {
	if family == "ip6" {
		return ma.P_IP6
	}
	return ma.P_IP4
}

// ReachableFrom - Filters the addresses a peer advertised down to those usable
// given the address its traffic arrived from: loopback addresses are only kept
// for a peer on the same host. The input is returned unchanged when from is nil.
func ReachableFrom(from ma.Multiaddr, addrs []ma.Multiaddr) []ma.Multiaddr {
	if from == nil || manet.IsIPLoopback(from) {
		return addrs
	}
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if manet.IsIPLoopback(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}
