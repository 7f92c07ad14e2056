// Package signer provides the checkpoint signing keyring. The KeyProvider
// interface allows swapping the in-memory backend for an HSM or KMS.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts the signing backend.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is the in-memory backend.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh Ed25519 key pair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// FromSeed rebuilds a provider from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring signs checkpoint state hashes.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a provider. A nil provider gets an in-memory one.
func NewKeyring(p KeyProvider) *Keyring {
	if p == nil {
		p, _ = NewMemoryKeyProvider()
	}
	return &Keyring{provider: p}
}

// SignHex signs msg and returns the signature as lowercase hex, the form
// recorded inside checkpoint commits.
func (k *Keyring) SignHex(msg []byte) (string, error) {
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// PublicKeyHex returns the hex form of the verifying key.
func (k *Keyring) PublicKeyHex() string {
	return hex.EncodeToString(k.provider.PublicKey())
}

// VerifyHex checks a hex signature over msg against a hex public key.
// Returns false for any malformed input.
func VerifyHex(msg []byte, sigHex, pubHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// DeriveForDomain derives a domain-separated keyring from this one using
// HKDF-SHA256 over the master seed. Each domain gets a unique,
// deterministic Ed25519 keypair.
func (k *Keyring) DeriveForDomain(domain string) (*Keyring, error) {
	if domain == "" {
		return nil, fmt.Errorf("signer: domain must not be empty")
	}
	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("signer: domain derivation requires MemoryKeyProvider")
	}
	seed := master.priv.Seed()

	r := hkdf.New(sha256.New, seed, []byte("zero-os-checkpoint-kdf"), []byte(domain))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("signer: HKDF derivation: %w", err)
	}
	p, err := FromSeed(derived)
	if err != nil {
		return nil, err
	}
	return NewKeyring(p), nil
}
