package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
)

// Limits - Bounds applied by a MemoryStore.
type Limits struct {
	MaxRecords         int
	MaxValueBytes      int
	MaxProvidersPerKey int
	MaxProvidedKeys    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxRecords:         1024,
		MaxValueBytes:      65 * 1024,
		MaxProvidersPerKey: 20,
		MaxProvidedKeys:    1024,
	}
}

// MemoryStore - The in-memory record store of a single node. It holds value
// records and provider records, each subject to expiry and capacity limits.
// Expired entries are hidden from reads immediately but only purged by RemoveExpired.
type MemoryStore struct {
	local     types.PeerID
	limits    Limits
	now       func() time.Time
	mu        sync.RWMutex
	records   map[string]Record
	providers map[string][]ProviderRecord
	provided  map[string]struct{}
}

// Option - Configures optional MemoryStore behaviour.
type Option func(*MemoryStore)

// WithClock - Overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(local types.PeerID, limits Limits, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		local:     local,
		limits:    limits,
		now:       time.Now,
		records:   map[string]Record{},
		providers: map[string][]ProviderRecord{},
		provided:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put - Inserts or overwrites the record for rec.Key. A new key is rejected with
// ErrCapacityExceeded when the store already holds MaxRecords entries.
func (s *MemoryStore) Put(rec Record) error {
	if s.limits.MaxValueBytes > 0 && len(rec.Value) > s.limits.MaxValueBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(rec.Value), s.limits.MaxValueBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(rec.Key)
	if _, exists := s.records[k]; !exists && s.limits.MaxRecords > 0 && len(s.records) >= s.limits.MaxRecords {
		return fmt.Errorf("%w: %d records", ErrCapacityExceeded, len(s.records))
	}
	s.records[k] = rec.Clone()
	return nil
}

// Get - Returns the non-expired record stored under key.
func (s *MemoryStore) Get(key types.RecordKey) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[string(key)]
	s.mu.RUnlock()

	if !ok || rec.IsExpired(s.now()) {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records - Lists every non-expired record.
func (s *MemoryStore) Records() []Record {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.IsExpired(now) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AddProvider - Registers (or refreshes) a provider for a key.
func (s *MemoryStore) AddProvider(rec ProviderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(rec.Key)
	isLocal := rec.Provider == s.local
	if isLocal {
		if _, ok := s.provided[k]; !ok && s.limits.MaxProvidedKeys > 0 && len(s.provided) >= s.limits.MaxProvidedKeys {
			return ErrMaxProvidedKeys
		}
	}

	list := s.providers[k]
	for i := range list {
		if list[i].Provider == rec.Provider {
			list[i].Expires = rec.Expires
			if len(rec.Addrs) > 0 {
				list[i].Addrs = rec.Addrs
			}
			if isLocal {
				s.provided[k] = struct{}{}
			}
			return nil
		}
	}

	if !isLocal && s.limits.MaxProvidersPerKey > 0 && len(list) >= s.limits.MaxProvidersPerKey {
		return fmt.Errorf("%w: %d providers for key %q", ErrCapacityExceeded, len(list), k)
	}

	s.providers[k] = append(list, rec)
	if isLocal {
		s.provided[k] = struct{}{}
	}
	return nil
}

// StartProviding - Registers the local node as a provider for key.
func (s *MemoryStore) StartProviding(key types.RecordKey, self types.PeerID, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	return s.AddProvider(ProviderRecord{
		Key:      append(types.RecordKey(nil), key...),
		Provider: self,
		Expires:  exp,
	})
}

// Providers - Lists the non-expired providers of key.
func (s *MemoryStore) Providers(key types.RecordKey) []ProviderRecord {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ProviderRecord
	for _, p := range s.providers[string(key)] {
		if !p.IsExpired(now) {
			out = append(out, p)
		}
	}
	return out
}

// Provided - Lists the provider records the local node has announced.
func (s *MemoryStore) Provided() []ProviderRecord {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ProviderRecord
	for k := range s.provided {
		for _, p := range s.providers[k] {
			if p.Provider == s.local && !p.IsExpired(now) {
				out = append(out, p)
			}
		}
	}
	return out
}

// RemoveExpired - Purges expired records and provider records, returning how many
// entries of each kind were removed.
func (s *MemoryStore) RemoveExpired(now time.Time) (records int, providers int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range s.records {
		if rec.IsExpired(now) {
			delete(s.records, k)
			records++
		}
	}

	for k, list := range s.providers {
		kept := list[:0]
		for _, p := range list {
			if p.IsExpired(now) {
				providers++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.providers, k)
			delete(s.provided, k)
			continue
		}
		s.providers[k] = kept

		localLeft := false
		for _, p := range kept {
			if p.Provider == s.local {
				localLeft = true
				break
			}
		}
		if !localLeft {
			delete(s.provided, k)
		}
	}
	return records, providers
}
