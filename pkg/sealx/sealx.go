// Package sealx signs sealed audit batches. Each epoch gets its own HMAC key
// derived from a master ledger key, so leaking one epoch key never lets an
// attacker re-sign history from another epoch.
package sealx

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinMasterKeySize keeps operators from configuring a trivially guessable
// ledger key.
const MinMasterKeySize = 32

var (
	ErrMasterKeyTooShort = errors.New("sealx: master key shorter than 32 bytes")
	ErrBadSignature      = errors.New("sealx: seal signature mismatch")
)

// Sealer derives per-epoch keys and produces/verifies batch root signatures.
type Sealer struct {
	master []byte
	issuer string
}

func NewSealer(masterKey []byte, issuer string) (*Sealer, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, ErrMasterKeyTooShort
	}
	m := make([]byte, len(masterKey))
	copy(m, masterKey)
	return &Sealer{master: m, issuer: issuer}, nil
}

// epochKey derives the HMAC key for one sealing epoch via HKDF-SHA256.
func (s *Sealer) epochKey(epoch uint64) ([]byte, error) {
	info := fmt.Appendf(nil, "trustcore/seal/epoch/%d", epoch)
	r := hkdf.New(sha256.New, s.master, nil, info)

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sealx: hkdf expand: %w", err)
	}
	return key, nil
}

// SignRoot computes the keyed hash over a batch's Merkle root.
func (s *Sealer) SignRoot(epoch uint64, root []byte) ([]byte, error) {
	key, err := s.epochKey(epoch)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(root)
	return mac.Sum(nil), nil
}

// VerifyRoot checks a seal signature in constant time.
func (s *Sealer) VerifyRoot(epoch uint64, root, sig []byte) error {
	want, err := s.SignRoot(epoch, root)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, sig) {
		return ErrBadSignature
	}
	return nil
}
