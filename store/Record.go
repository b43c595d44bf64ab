package store

import (
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
)

// Record - A value stored under a key, as accepted by a PUT operation.
type Record struct {
	Key       types.RecordKey
	Value     []byte
	Publisher *types.PeerID
	Expires   time.Time //zero means the record never expires.
}

// IsExpired - Reports whether the record has expired as of now.
func (r Record) IsExpired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Clone - Returns a deep copy so callers never alias store internals.
func (r Record) Clone() Record {
	out := Record{
		Key:     append(types.RecordKey(nil), r.Key...),
		Value:   append([]byte(nil), r.Value...),
		Expires: r.Expires,
	}
	if r.Publisher != nil {
		p := *r.Publisher
		out.Publisher = &p
	}
	return out
}

// ProviderRecord - Asserts that Provider can supply the value for Key.
type ProviderRecord struct {
	Key      types.RecordKey
	Provider types.PeerID
	Addrs    []ma.Multiaddr
	Expires  time.Time
}

func (p ProviderRecord) IsExpired(now time.Time) bool {
	return !p.Expires.IsZero() && !now.Before(p.Expires)
}
