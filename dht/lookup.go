package dht

import (
	"bytes"
	"sort"

	"github.com/SharefulNetworks/shareful-dkv/types"
)

type candidateState int

const (
	candidateWaiting candidateState = iota
	candidateInFlight
	candidateResponded
	candidateFailed
)

type candidate struct {
	info    types.AddrInfo
	state   candidateState
	inTable bool
}

// lookup - The frontier of an iterative lookup. It tracks every peer seen for
// the target, and considers only the k closest non-failed ones when choosing
// whom to ask next. A lookup converges when none of those k is waiting or in flight.
type lookup struct {
	self   types.PeerID
	target types.PeerID
	k      int
	alpha  int
	seen   map[types.PeerID]*candidate
	sorted []*candidate //every non-failed candidate, closest first
}

func newLookup(self, target types.PeerID, k, alpha int) *lookup {
	return &lookup{
		self:   self,
		target: target,
		k:      k,
		alpha:  alpha,
		seen:   make(map[types.PeerID]*candidate),
	}
}

// less - Orders candidates by distance to the target. On equal distance a peer
// held in the routing table goes first, then the lower PeerID.
func (l *lookup) less(a, b *candidate) bool {
	if c := types.CompareDistance(a.info.ID, b.info.ID, l.target); c != 0 {
		return c < 0
	}
	if a.inTable != b.inTable {
		return a.inTable
	}
	return bytes.Compare(a.info.ID[:], b.info.ID[:]) < 0
}

// add - Offers peers to the frontier, returning how many were new.
// inTable reports whether a peer is already present in the routing table.
func (l *lookup) add(peers []types.AddrInfo, inTable func(types.PeerID) bool) int {
	added := 0
	for _, p := range peers {
		if p.ID == l.self || p.ID.IsZero() || len(p.Addrs) == 0 {
			continue
		}
		if _, ok := l.seen[p.ID]; ok {
			continue
		}
		c := &candidate{info: p, inTable: inTable != nil && inTable(p.ID)}
		l.seen[p.ID] = c
		l.sorted = append(l.sorted, c)
		added++
	}
	if added > 0 {
		sort.SliceStable(l.sorted, func(i, j int) bool { return l.less(l.sorted[i], l.sorted[j]) })
	}
	return added
}

// frontier - The k closest non-failed candidates.
func (l *lookup) frontier() []*candidate {
	if len(l.sorted) <= l.k {
		return l.sorted
	}
	return l.sorted[:l.k]
}

func (l *lookup) inFlight() int {
	n := 0
	for _, c := range l.frontier() {
		if c.state == candidateInFlight {
			n++
		}
	}
	return n
}

// next - Marks and returns the closest waiting candidates, keeping at most
// alpha requests in flight.
func (l *lookup) next() []types.AddrInfo {
	budget := l.alpha - l.inFlight()
	var out []types.AddrInfo
	for _, c := range l.frontier() {
		if budget <= 0 {
			break
		}
		if c.state == candidateWaiting {
			c.state = candidateInFlight
			out = append(out, c.info)
			budget--
		}
	}
	return out
}

func (l *lookup) responded(id types.PeerID) {
	if c, ok := l.seen[id]; ok && c.state == candidateInFlight {
		c.state = candidateResponded
	}
}

// failed - Drops the peer from this lookup; it never re-enters the frontier.
func (l *lookup) failed(id types.PeerID) {
	c, ok := l.seen[id]
	if !ok || c.state == candidateFailed {
		return
	}
	c.state = candidateFailed
	for i, s := range l.sorted {
		if s == c {
			l.sorted = append(l.sorted[:i], l.sorted[i+1:]...)
			break
		}
	}
}

// converged - True once none of the k closest candidates is waiting or in flight.
func (l *lookup) converged() bool {
	for _, c := range l.frontier() {
		if c.state == candidateWaiting || c.state == candidateInFlight {
			return false
		}
	}
	return true
}

// closestResponded - Up to n of the closest candidates that answered.
func (l *lookup) closestResponded(n int) []types.AddrInfo {
	var out []types.AddrInfo
	for _, c := range l.sorted {
		if len(out) >= n {
			break
		}
		if c.state == candidateResponded {
			out = append(out, c.info)
		}
	}
	return out
}
