package sealx

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ReceiptClaims is the signed statement handed to the compliance sink when a
// batch is sealed. Anyone holding the epoch key can later confirm the sealed
// root without access to the ledger itself.
type ReceiptClaims struct {
	Epoch      uint64 `json:"epoch"`
	RootB64    string `json:"root"`
	EventCount int    `json:"event_count"`
	jwt.RegisteredClaims
}

var ErrBadReceipt = errors.New("sealx: receipt invalid")

// Receipt issues an HS256-signed receipt for a sealed batch, keyed by that
// batch's epoch key.
func (s *Sealer) Receipt(epoch uint64, sealID string, root []byte, sealedAt time.Time, eventCount int) (string, error) {
	key, err := s.epochKey(epoch)
	if err != nil {
		return "", err
	}

	claims := ReceiptClaims{
		Epoch:      epoch,
		RootB64:    base64.RawURLEncoding.EncodeToString(root),
		EventCount: eventCount,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  sealID,
			IssuedAt: jwt.NewNumericDate(sealedAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sealx: sign receipt: %w", err)
	}
	return token, nil
}

// ParseReceipt validates a receipt and returns its claims. The epoch claim
// selects the verification key, so a receipt forged for the wrong epoch fails
// signature validation.
func (s *Sealer) ParseReceipt(token string) (*ReceiptClaims, error) {
	claims := &ReceiptClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*ReceiptClaims)
		if !ok {
			return nil, ErrBadReceipt
		}
		return s.epochKey(c.Epoch)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadReceipt, err)
	}
	if !parsed.Valid {
		return nil, ErrBadReceipt
	}
	return claims, nil
}

// ReceiptRoot decodes the Merkle root carried by a receipt.
func (c *ReceiptClaims) ReceiptRoot() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(c.RootB64)
}
