package routing

import (
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
)

// Peer - Represents a known peer in the DHT network.
type Peer struct {
	ID       types.PeerID
	Addrs    []ma.Multiaddr
	LastSeen time.Time
	Failures int //consecutive failures to respond, reset on any successful exchange.
}

// hasAddr - Reports whether addr is already among the peer's addresses.
func (p *Peer) hasAddr(addr ma.Multiaddr) bool {
	for _, a := range p.Addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

func (p *Peer) clone() Peer {
	c := *p
	c.Addrs = append([]ma.Multiaddr(nil), p.Addrs...)
	return c
}
