package sealx

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{0x42}, 32), "trustcore-test")
	require.NoError(t, err)
	return s
}

func TestNewSealerRejectsShortKeys(t *testing.T) {
	t.Parallel()

	_, err := NewSealer([]byte("short"), "x")
	require.ErrorIs(t, err, ErrMasterKeyTooShort)
}

func TestSignAndVerifyRoot(t *testing.T) {
	t.Parallel()

	s := testSealer(t)
	root := sha256.Sum256([]byte("batch"))

	sig, err := s.SignRoot(7, root[:])
	require.NoError(t, err)
	require.NoError(t, s.VerifyRoot(7, root[:], sig))

	// Signatures are epoch-bound.
	require.ErrorIs(t, s.VerifyRoot(8, root[:], sig), ErrBadSignature)

	sig[0] ^= 0x01
	require.ErrorIs(t, s.VerifyRoot(7, root[:], sig), ErrBadSignature)
}

func TestReceiptRoundTrip(t *testing.T) {
	t.Parallel()

	s := testSealer(t)
	root := sha256.Sum256([]byte("batch"))
	at := time.Now().Truncate(time.Second)

	token, err := s.Receipt(3, "seal-01", root[:], at, 12)
	require.NoError(t, err)

	claims, err := s.ParseReceipt(token)
	require.NoError(t, err)
	require.Equal(t, uint64(3), claims.Epoch)
	require.Equal(t, "seal-01", claims.Subject)
	require.Equal(t, 12, claims.EventCount)

	got, err := claims.ReceiptRoot()
	require.NoError(t, err)
	require.Equal(t, root[:], got)
}

func TestReceiptRejectsTampering(t *testing.T) {
	t.Parallel()

	s := testSealer(t)
	root := sha256.Sum256([]byte("batch"))

	token, err := s.Receipt(1, "seal-02", root[:], time.Now(), 4)
	require.NoError(t, err)

	_, err = s.ParseReceipt(token + "x")
	require.ErrorIs(t, err, ErrBadReceipt)

	other, err := NewSealer(bytes.Repeat([]byte{0x99}, 32), "trustcore-test")
	require.NoError(t, err)
	_, err = other.ParseReceipt(token)
	require.ErrorIs(t, err, ErrBadReceipt)
}
