package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateEd25519Keypair generates a fresh Ed25519 keypair. Authenticator
// credentials in the ceremony flow are raw 32-byte Ed25519 public keys; the
// private half never leaves the authenticator, so no PEM wrapping is needed.
func GenerateEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptox: failed to generate Ed25519 key: %w", err)
	}
	return pub, priv, nil
}

// ParseEd25519PublicKey validates raw public key material presented during
// credential registration.
func ParseEd25519PublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("cryptox: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeKey renders key material as base64url for transport and storage.
func EncodeKey(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptox: invalid base64url key material: %w", err)
	}
	return raw, nil
}
