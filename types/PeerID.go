package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

const IDBytes = 32
const IDBits = IDBytes * 8

// PeerID - Represents a 256-bit peer identifier, derived from the peer's public key.
// It doubles as a point in the XOR distance space used for routing.
type PeerID [IDBytes]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short - Returns an abbreviated form of the id, suitable for log lines.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != IDBytes {
		return PeerID{}, fmt.Errorf("invalid PeerID length: got %d, want %d", len(b), IDBytes)
	}

	var id PeerID
	copy(id[:], b)
	return id, nil
}

// ParsePeerID - Parses the hex encoded form produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("invalid PeerID %q: %w", s, err)
	}
	return PeerIDFromBytes(b)
}

// PeerIDFromPublicKey - Derives the PeerID for the provided raw public key bytes.
func PeerIDFromPublicKey(pub []byte) PeerID {
	return PeerID(sha3.Sum256(pub))
}

// Distance - Returns the XOR distance between a and b.
func Distance(a, b PeerID) (d PeerID) {
	for i := 0; i < IDBytes; i++ {
		d[i] = a[i] ^ b[i]
	}
	return
}

// CompareDistance - Compares the distances of a and b from target t, returning
// -1 where a is closer, 1 where b is closer and 0 where they are equidistant.
func CompareDistance(a, b, t PeerID) int {
	da := Distance(a, t)
	db := Distance(b, t)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen - Returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b PeerID) int {
	d := Distance(a, b)
	for i := 0; i < IDBytes; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return IDBits
}
