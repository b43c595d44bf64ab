package types

import (
	ma "github.com/multiformats/go-multiaddr"
)

// PeerAddr - Pairs a peer with one address it can be dialled on. This is the unit
// produced by peer discovery and consumed by the routing table.
type PeerAddr struct {
	ID   PeerID
	Addr ma.Multiaddr
}

// AddrInfo - A peer together with every address known for it.
type AddrInfo struct {
	ID    PeerID
	Addrs []ma.Multiaddr
}

// ParseAddrs - Parses multiaddr strings, skipping (and reporting) any that are invalid.
func ParseAddrs(in []string) ([]ma.Multiaddr, []error) {
	var out []ma.Multiaddr
	var errs []error
	for _, s := range in {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errs
}

// AddrStrings - Returns the string form of each address.
func AddrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
