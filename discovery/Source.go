package discovery

import (
	"github.com/SharefulNetworks/shareful-dkv/types"
)

// Source - A lazy stream of discovered peers. The channel is closed when the
// source has nothing further to report.
type Source interface {
	Discoveries() <-chan types.PeerAddr
}

// StaticSource - Replays a fixed set of peers, then closes.
type StaticSource struct {
	ch chan types.PeerAddr
}

func Static(peers ...types.PeerAddr) *StaticSource {
	ch := make(chan types.PeerAddr, len(peers))
	for _, p := range peers {
		ch <- p
	}
	close(ch)
	return &StaticSource{ch: ch}
}

func (s *StaticSource) Discoveries() <-chan types.PeerAddr { return s.ch }
