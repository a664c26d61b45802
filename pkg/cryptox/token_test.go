package cryptox

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	t.Run("rejects non-positive sizes", func(t *testing.T) {
		_, err := GenerateToken(0)
		require.Error(t, err)
		_, err = GenerateToken(-1)
		require.Error(t, err)
	})

	t.Run("tokens are unique", func(t *testing.T) {
		seen := make(map[string]struct{})
		for i := 0; i < 256; i++ {
			tok, err := GenerateToken(TokenSize128)
			require.NoError(t, err)
			_, dup := seen[tok]
			require.False(t, dup)
			seen[tok] = struct{}{}
		}
	})
}

func TestFingerprintToken(t *testing.T) {
	t.Parallel()

	tok := MustGenerateToken(TokenSize256)

	fp1 := FingerprintToken(tok)
	fp2 := FingerprintToken(tok)
	require.Equal(t, fp1, fp2)
	require.NotEqual(t, tok, fp1)
	require.Len(t, fp1, 43)

	require.True(t, FingerprintEqual(fp1, fp2))
	require.False(t, FingerprintEqual(fp1, FingerprintToken("other")))
}

func TestEd25519Helpers(t *testing.T) {
	t.Parallel()

	pub, priv, err := GenerateEd25519Keypair()
	require.NoError(t, err)
	require.Len(t, []byte(pub), ed25519.PublicKeySize)

	parsed, err := ParseEd25519PublicKey(pub)
	require.NoError(t, err)

	msg := []byte("challenge-material")
	sig := ed25519.Sign(priv, msg)
	require.True(t, ed25519.Verify(parsed, msg, sig))

	_, err = ParseEd25519PublicKey([]byte("short"))
	require.Error(t, err)

	decoded, err := DecodeKey(EncodeKey(pub))
	require.NoError(t, err)
	require.Equal(t, []byte(pub), decoded)
}
