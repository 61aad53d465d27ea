package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/roach88/fedroom/internal/ir"
)

// DefaultKeyID is the key id used for derived server keys.
const DefaultKeyID = "ed25519:auto"

// kdfSalt separates server signing keys from any other use of the seed.
const kdfSalt = "fedroom-server-signing-key"

// DeriveServerKey derives a server's ed25519 signing key from a master seed.
// The same (seed, server name) pair always yields the same key, which keeps
// test fixtures and golden traces stable.
func DeriveServerKey(seed []byte, serverName string) (ed25519.PrivateKey, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("derive key for %s: empty seed", serverName)
	}
	r := hkdf.New(sha256.New, seed, []byte(kdfSalt), []byte(serverName))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", serverName, err)
	}
	return ed25519.NewKeyFromSeed(keySeed), nil
}

// Signer holds one server's signing key.
type Signer struct {
	ServerName string
	KeyID      string
	priv       ed25519.PrivateKey
}

// NewSigner creates a signer for a server.
func NewSigner(serverName, keyID string, priv ed25519.PrivateKey) *Signer {
	return &Signer{ServerName: serverName, KeyID: keyID, priv: priv}
}

// NewDerivedSigner derives the server key from seed and wraps it in a Signer.
func NewDerivedSigner(seed []byte, serverName string) (*Signer, error) {
	priv, err := DeriveServerKey(seed, serverName)
	if err != nil {
		return nil, err
	}
	return NewSigner(serverName, DefaultKeyID, priv), nil
}

// PublicKey returns the verifying key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign returns the unpadded base64 signature of data.
func (s *Signer) Sign(data []byte) string {
	return ir.EncodeBase64(ed25519.Sign(s.priv, data))
}

// KeyRing maps server names and key ids to public keys.
// Safe for concurrent use.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]map[string]ed25519.PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]map[string]ed25519.PublicKey)}
}

// Add registers a server's public key.
func (k *KeyRing) Add(serverName, keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.keys[serverName]
	if !ok {
		m = make(map[string]ed25519.PublicKey)
		k.keys[serverName] = m
	}
	m[keyID] = pub
}

// AddSigner registers the public half of a signer.
func (k *KeyRing) AddSigner(s *Signer) {
	k.Add(s.ServerName, s.KeyID, s.PublicKey())
}

// Lookup returns the public key for (server, key id).
func (k *KeyRing) Lookup(serverName, keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[serverName][keyID]
	return pub, ok
}
