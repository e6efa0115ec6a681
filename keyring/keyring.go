// Package keyring provides Ed25519 key generation, persistence, and the
// pinned-hash guard used to bind a loaded key to a pre-configured identity.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// SigningKey is an agent's private Ed25519 signing key.
type SigningKey struct {
	priv ed25519.PrivateKey
}

// VerifyKey is an Ed25519 public key used to verify signatures.
type VerifyKey struct {
	pub ed25519.PublicKey
}

// DispatcherKeyMismatchError is returned by AssertKeyPin when the loaded
// key's hash does not match the expected pin.
type DispatcherKeyMismatchError struct {
	Expected string
	Actual   string
}

func (e *DispatcherKeyMismatchError) Error() string {
	return fmt.Sprintf("keyring: key pin mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *DispatcherKeyMismatchError) Kind() string { return "DispatcherKeyMismatch" }

// GenerateKeypair creates a new Ed25519 signing/verify key pair.
func GenerateKeypair() (SigningKey, VerifyKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, VerifyKey{}, fmt.Errorf("keyring: generate keypair: %w", err)
	}
	return SigningKey{priv: priv}, VerifyKey{pub: pub}, nil
}

// SaveSigningKey writes the raw 32-byte seed to path with owner-only
// permissions (mode 0600).
func SaveSigningKey(path string, sk SigningKey) error {
	seed := sk.priv.Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return fmt.Errorf("keyring: save signing key: %w", err)
	}
	return nil
}

// SaveVerifyKey writes the raw 32-byte public key to path.
func SaveVerifyKey(path string, vk VerifyKey) error {
	if err := os.WriteFile(path, vk.pub, 0o644); err != nil {
		return fmt.Errorf("keyring: save verify key: %w", err)
	}
	return nil
}

// LoadSigningKey reads a 32-byte Ed25519 seed from path and expands it into
// a full signing key.
func LoadSigningKey(path string) (SigningKey, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return SigningKey{}, fmt.Errorf("keyring: load signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return SigningKey{}, fmt.Errorf("keyring: signing key %s: expected %d bytes, got %d", path, ed25519.SeedSize, len(seed))
	}
	return SigningKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// LoadVerifyKey reads a 32-byte Ed25519 public key from path.
func LoadVerifyKey(path string) (VerifyKey, error) {
	pub, err := os.ReadFile(path)
	if err != nil {
		return VerifyKey{}, fmt.Errorf("keyring: load verify key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return VerifyKey{}, fmt.Errorf("keyring: verify key %s: expected %d bytes, got %d", path, ed25519.PublicKeySize, len(pub))
	}
	return VerifyKey{pub: ed25519.PublicKey(pub)}, nil
}

// VerifyKeyFromBytes wraps a raw 32-byte public key.
func VerifyKeyFromBytes(b []byte) (VerifyKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return VerifyKey{}, fmt.Errorf("keyring: verify key: expected %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return VerifyKey{pub: ed25519.PublicKey(b)}, nil
}

// Bytes returns the raw public key bytes.
func (vk VerifyKey) Bytes() []byte { return []byte(vk.pub) }

// SignBytes signs data with the signing key, returning a raw signature.
func SignBytes(sk SigningKey, data []byte) []byte {
	return ed25519.Sign(sk.priv, data)
}

// BadSignatureError is returned by VerifyBytes when a signature is
// malformed or does not match.
type BadSignatureError struct {
	Reason string
}

func (e *BadSignatureError) Error() string    { return "keyring: bad signature: " + e.Reason }
func (e *BadSignatureError) Kind() string     { return "BadSignature" }

// VerifyBytes checks a signature over data against the verify key.
func VerifyBytes(vk VerifyKey, data, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return &BadSignatureError{Reason: fmt.Sprintf("signature has wrong length %d", len(sig))}
	}
	if !ed25519.Verify(vk.pub, data, sig) {
		return &BadSignatureError{Reason: "signature does not match"}
	}
	return nil
}

// HashVerifyKey returns the lowercase hex SHA-256 of the verify key's raw
// public key bytes — the pin used throughout the system to bind a loaded
// key to a pre-configured identity.
func HashVerifyKey(vk VerifyKey) string {
	sum := sha256.Sum256(vk.pub)
	return hex.EncodeToString(sum[:])
}

// AssertKeyPin fails with DispatcherKeyMismatchError unless
// HashVerifyKey(vk) equals expectedHex. This is the only mechanism for
// binding a loaded key to a pre-configured identity; it must be invoked at
// the construction of every component that trusts a key.
func AssertKeyPin(vk VerifyKey, expectedHex string) error {
	actual := HashVerifyKey(vk)
	if actual != expectedHex {
		return &DispatcherKeyMismatchError{Expected: expectedHex, Actual: actual}
	}
	return nil
}
