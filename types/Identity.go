package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Identity - A node's ed25519 keypair together with the PeerID derived from it.
type Identity struct {
	priv ed25519.PrivateKey
	id   PeerID
}

// GenerateIdentity - Creates a new random identity.
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return IdentityFromSeed(seed)
}

func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid identity seed length: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{priv: priv, id: PeerIDFromPublicKey(pub)}, nil
}

// LoadOrCreateIdentity - Reads a hex encoded seed from path, generating and
// persisting a new one where the file does not yet exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		ident, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		seed := hex.EncodeToString(ident.priv.Seed())
		if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write identity %s: %w", path, err)
		}
		return ident, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	return IdentityFromSeed(seed)
}

// PublicID - Returns the PeerID of this identity.
func (i *Identity) PublicID() PeerID {
	return i.id
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.priv.Public().(ed25519.PublicKey)
}

// PrivateKey - Returns the signing key, used to mint transport certificates.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}
