package types

import "golang.org/x/crypto/sha3"

// RecordKey - An opaque key identifying a stored item. Equality is exact byte match.
type RecordKey []byte

func (k RecordKey) String() string {
	return string(k)
}

// ID - Maps the key onto the PeerID distance space.
func (k RecordKey) ID() PeerID {
	return PeerID(sha3.Sum256(k))
}
