package routing

import (
	"slices"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
)

// KBucket - Models a single Kademlia K-Bucket. Peers are ordered least recently
// seen first. Replacements holds candidates that arrived while the bucket was full.
type KBucket struct {
	Peers        []*Peer
	Replacements []*Peer
	lastRefresh  time.Time
}

//Size - Returns the number of peers in this bucket.
func (kb *KBucket) Size() int {
	return len(kb.Peers)
}

func (kb *KBucket) indexOf(id types.PeerID) int {
	for i, p := range kb.Peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Remove - Removes peer from this bucket at the specified index.
func (kb *KBucket) Remove(index int) bool {
	if index < 0 || index >= len(kb.Peers) {
		return false
	}

	kb.Peers = slices.Delete(kb.Peers, index, index+1)
	return true
}

// moveToTail - Marks the peer at index as the most recently seen.
func (kb *KBucket) moveToTail(index int) {
	if index == len(kb.Peers)-1 {
		return
	}
	c := kb.Peers[index]
	copy(kb.Peers[index:], kb.Peers[index+1:])
	kb.Peers[len(kb.Peers)-1] = c
}

// addReplacement - Queues p as a replacement candidate, keeping at most limit
// candidates with the newest last.
func (kb *KBucket) addReplacement(p *Peer, limit int) {
	for i, r := range kb.Replacements {
		if r.ID == p.ID {
			kb.Replacements = slices.Delete(kb.Replacements, i, i+1)
			break
		}
	}
	kb.Replacements = append(kb.Replacements, p)
	if len(kb.Replacements) > limit {
		kb.Replacements = kb.Replacements[len(kb.Replacements)-limit:]
	}
}

// popReplacement - Removes and returns the newest replacement candidate.
func (kb *KBucket) popReplacement() *Peer {
	if len(kb.Replacements) == 0 {
		return nil
	}
	last := kb.Replacements[len(kb.Replacements)-1]
	kb.Replacements = kb.Replacements[:len(kb.Replacements)-1]
	return last
}

// We compute the bucket's last refresh time as the time of the most
// recent peer addition or update to this bucket, as this is the
// point at which we can be sure that the bucket was last active.
func (kb *KBucket) ComputeLastRefreshTime() time.Time {
	for _, peer := range kb.Peers {
		if peer.LastSeen.After(kb.lastRefresh) {
			kb.lastRefresh = peer.LastSeen
		}
	}
	return kb.lastRefresh
}
