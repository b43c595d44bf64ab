package routing

import (
	"bytes"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
)

// UpdateOutcome - Describes what an Update call did to the table.
type UpdateOutcome int

const (
	Ignored   UpdateOutcome = iota //self, or an unknown peer without an address.
	Inserted                       //new entry added to its bucket.
	Refreshed                      //existing entry's last seen time (and possibly addresses) updated.
	Pending                        //bucket full, peer queued as a replacement; Evictable should be pinged.
)

func (o UpdateOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Refreshed:
		return "refreshed"
	case Pending:
		return "pending"
	default:
		return "ignored"
	}
}

// UpdateResult - The result of an Update call. Evictable is set only for Pending
// and holds the least recently seen entry of the full bucket.
type UpdateResult struct {
	Outcome   UpdateOutcome
	Evictable *Peer
}

// RoutingTable - Models a Kademlia compliant routing table.
// It contains multiple K-Buckets, each of which in turn contain multiple peers;
// bucket i holds peers whose XOR distance from the local node lies in [2^i, 2^(i+1)).
type RoutingTable struct {
	self        types.PeerID
	buckets     []KBucket
	bucketSize  int
	maxFailures int
	now         func() time.Time
	mu          sync.RWMutex
}

// Option - Configures optional RoutingTable behaviour.
type Option func(*RoutingTable)

// WithMaxFailures - Sets the number of consecutive failures after which a peer is dropped.
func WithMaxFailures(n int) Option {
	return func(rt *RoutingTable) {
		if n > 0 {
			rt.maxFailures = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(rt *RoutingTable) { rt.now = now }
}

func NewRoutingTable(self types.PeerID, bucketSize int, opts ...Option) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = 20 // a good default
	}
	rt := &RoutingTable{
		self:        self,
		buckets:     make([]KBucket, types.IDBits),
		bucketSize:  bucketSize,
		maxFailures: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *RoutingTable) Self() types.PeerID {
	return rt.self
}

func (rt *RoutingTable) BucketSize() int {
	return rt.bucketSize
}

// BucketIndex - Returns the bucket index for id, or -1 for the local id.
func (rt *RoutingTable) BucketIndex(id types.PeerID) int {
	cpl := types.CommonPrefixLen(rt.self, id)
	if cpl == types.IDBits {
		return -1
	}
	return types.IDBits - 1 - cpl
}

// Update - Upserts (i.e Updates or Inserts) the peer in its bucket and records addr
// against it. Calling Update repeatedly with the same arguments only moves the
// entry's last seen time. When the bucket is full the peer is queued as a
// replacement and the least recently seen entry is returned for a liveness check;
// it is only evicted if that check fails (see RecordFailure / Remove).
func (rt *RoutingTable) Update(id types.PeerID, addr ma.Multiaddr) UpdateResult {
	i := rt.BucketIndex(id)
	if i < 0 {
		return UpdateResult{Outcome: Ignored}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[i]
	now := rt.now()

	// already present? refresh + move to end (most recently seen)
	if idx := b.indexOf(id); idx >= 0 {
		p := b.Peers[idx]
		if addr != nil && !p.hasAddr(addr) {
			p.Addrs = append(p.Addrs, addr)
		}
		p.LastSeen = now
		b.moveToTail(idx)
		return UpdateResult{Outcome: Refreshed}
	}

	//conversely where the peer is not already present, we look to add it providing
	//it has a valid address.
	if addr == nil {
		return UpdateResult{Outcome: Ignored}
	}

	p := &Peer{ID: id, Addrs: []ma.Multiaddr{addr}, LastSeen: now}
	if b.Size() < rt.bucketSize {
		b.Peers = append(b.Peers, p)
		return UpdateResult{Outcome: Inserted}
	}

	b.addReplacement(p, rt.bucketSize)
	lrs := b.Peers[0].clone()
	return UpdateResult{Outcome: Pending, Evictable: &lrs}
}

// MarkAlive - Records a successful exchange with id, resetting its failure count.
func (rt *RoutingTable) MarkAlive(id types.PeerID) bool {
	i := rt.BucketIndex(id)
	if i < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[i]
	idx := b.indexOf(id)
	if idx < 0 {
		return false
	}
	b.Peers[idx].Failures = 0
	b.Peers[idx].LastSeen = rt.now()
	b.moveToTail(idx)
	return true
}

// RecordFailure - Records a failure to respond. Once the peer reaches the
// configured number of consecutive failures it is removed, and the newest
// replacement candidate (if any) takes its place. Returns whether the peer was removed.
func (rt *RoutingTable) RecordFailure(id types.PeerID) bool {
	i := rt.BucketIndex(id)
	if i < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[i]
	idx := b.indexOf(id)
	if idx < 0 {
		return false
	}
	b.Peers[idx].Failures++
	if b.Peers[idx].Failures < rt.maxFailures {
		return false
	}
	rt.removeAt(b, idx)
	return true
}

// Remove - Explicitly removes the peer with the specified id from this routing
// table instance, where it exists, promoting a replacement candidate into the
// freed slot. Returns TRUE where the peer was located and expunged.
func (rt *RoutingTable) Remove(id types.PeerID) bool {
	i := rt.BucketIndex(id)
	if i < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[i]
	idx := b.indexOf(id)
	if idx < 0 {
		return false
	}
	rt.removeAt(b, idx)
	return true
}

func (rt *RoutingTable) removeAt(b *KBucket, idx int) {
	b.Remove(idx)
	if r := b.popReplacement(); r != nil {
		b.Peers = append(b.Peers, r)
	}
}

// Get - Returns a copy of the entry for id.
func (rt *RoutingTable) Get(id types.PeerID) (Peer, bool) {
	i := rt.BucketIndex(id)
	if i < 0 {
		return Peer{}, false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	b := &rt.buckets[i]
	if idx := b.indexOf(id); idx >= 0 {
		return b.Peers[idx].clone(), true
	}
	return Peer{}, false
}

func (rt *RoutingTable) Contains(id types.PeerID) bool {
	_, ok := rt.Get(id)
	return ok
}

// FindByAddr - Returns the peer that owns addr, if any.
func (rt *RoutingTable) FindByAddr(addr ma.Multiaddr) (types.PeerID, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for i := range rt.buckets {
		for _, p := range rt.buckets[i].Peers {
			if p.hasAddr(addr) {
				return p.ID, true
			}
		}
	}
	return types.PeerID{}, false
}

func (rt *RoutingTable) ListKnownPeers() []Peer {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	peers := make([]Peer, 0, 64)
	for i := range rt.buckets {
		for _, p := range rt.buckets[i].Peers {
			peers = append(peers, p.clone())
		}
	}
	return peers
}

func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	n := 0
	for i := range rt.buckets {
		n += rt.buckets[i].Size()
	}
	return n
}

// BucketLen - Returns the number of entries held by bucket i.
func (rt *RoutingTable) BucketLen(i int) int {
	if i < 0 || i >= len(rt.buckets) {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[i].Size()
}

// Closest returns up to count Peers closest to target, across all buckets.
// Equal distances are broken by lexicographic PeerID order.
func (rt *RoutingTable) Closest(target types.PeerID, count int) []Peer {
	all := rt.ListKnownPeers()

	sort.Slice(all, func(i, j int) bool {
		if c := types.CompareDistance(all[i].ID, all[j].ID, target); c != 0 {
			return c < 0
		}
		return bytes.Compare(all[i].ID[:], all[j].ID[:]) < 0
	})

	if count > len(all) {
		count = len(all)
	}
	return all[:count]
}

// StaleBuckets - Returns the indexes of non-empty buckets which have seen no
// activity for at least maxAge.
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cutoff := rt.now().Add(-maxAge)
	var stale []int
	for i := range rt.buckets {
		b := &rt.buckets[i]
		if b.Size() == 0 {
			continue
		}
		if b.ComputeLastRefreshTime().Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}

//MarkRefreshed - Updates the bucket's last refresh time to the current time.
func (rt *RoutingTable) MarkRefreshed(i int) {
	if i < 0 || i >= len(rt.buckets) {
		return
	}
	rt.mu.Lock()
	rt.buckets[i].lastRefresh = rt.now()
	rt.mu.Unlock()
}

// RandomIDInBucket - Generates a random id that would fall into bucket i.
func (rt *RoutingTable) RandomIDInBucket(i int) types.PeerID {
	id := rt.self
	if i < 0 || i >= types.IDBits {
		return id
	}

	cpl := types.IDBits - 1 - i
	byteIdx := cpl / 8
	bit := byte(1) << (7 - uint(cpl%8))

	var rnd types.PeerID
	_, _ = rand.Read(rnd[:])

	id[byteIdx] ^= bit
	mask := bit - 1
	id[byteIdx] = id[byteIdx]&^mask | rnd[byteIdx]&mask
	for j := byteIdx + 1; j < types.IDBytes; j++ {
		id[j] = rnd[j]
	}
	return id
}
