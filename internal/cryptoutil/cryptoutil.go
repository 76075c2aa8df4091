// Package cryptoutil wraps the Ed25519 operations used by the gateway:
// identity generation, nonce challenges and base64-transported signatures.
//
// Keys and signatures cross the wire as standard base64 (no URL alphabet),
// nonces as lowercase hex. Verification never propagates decode errors to
// the caller; a malformed input simply fails verification.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sync"
)

// NonceSize is the number of random bytes in a challenge nonce. The hex
// encoding on the wire is twice this length.
const NonceSize = 32

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic
// testing and returns a restore function that must be called when the test
// completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// GenerateIdentity creates a fresh Ed25519 keypair from the configured
// randomness source.
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// RandomNonce returns a fresh challenge nonce as lowercase hex.
func RandomNonce() (string, error) {
	b := make([]byte, NonceSize)
	if err := readRandom(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DecodeNonce converts a hex nonce back to the raw bytes that get signed.
func DecodeNonce(nonceHex string) ([]byte, error) {
	b, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, ErrInvalidNonce
	}
	if len(b) != NonceSize {
		return nil, ErrInvalidNonce
	}
	return b, nil
}

// EncodePublicKey renders a public key as standard base64 of the raw 32 bytes.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey decodes a base64 public key, insisting on exactly 32 raw bytes.
func ParsePublicKey(pubB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeSeed renders the private key seed as base64 for persistence.
func EncodeSeed(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Seed())
}

// PrivateKeyFromSeed reconstructs a private key from a base64 seed.
func PrivateKeyFromSeed(seedB64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	if len(raw) != ed25519.SeedSize {
		return nil, ErrInvalidPrivateKey
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// Sign signs data and returns the signature as standard base64.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
}

// Verify checks a base64 signature over data. Malformed base64, a wrong-size
// signature or a nil key all report false rather than an error.
func Verify(pub ed25519.PublicKey, data []byte, sigB64 string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
