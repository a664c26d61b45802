package service

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/pkg/cryptox"
)

func newTestCeremony(t *testing.T) (*CeremonyManager, string) {
	t.Helper()

	st := newTestStore(t)
	m := NewCeremonyManager(st, newTestLedger(t, st), DefaultCeremonyConfig())
	return m, seedIdentity(t, st)
}

// registerCredential walks a full registration ceremony and returns the
// keypair for later assertions.
func registerCredential(t *testing.T, m *CeremonyManager, identity, credentialID string, signCount uint32) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	ctx := context.Background()

	pub, priv, err := cryptox.GenerateEd25519Keypair()
	require.NoError(t, err)

	started, err := m.StartRegistration(ctx, testTenant, identity, testOrigin)
	require.NoError(t, err)

	payload := SignedPayload(started.Nonce, started.Origin, signCount)
	_, err = m.FinishRegistration(ctx, Assertion{
		Token:        started.Token,
		CredentialID: credentialID,
		PublicKey:    pub,
		SignCount:    signCount,
		Signature:    ed25519.Sign(priv, payload),
		Label:        "test key",
	})
	require.NoError(t, err)
	return pub, priv
}

func TestCeremonyRegistration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, identity := newTestCeremony(t)

	t.Run("valid assertion registers the credential", func(t *testing.T) {
		registerCredential(t, m, identity, "cred-1", 0)

		cred, err := m.Store.Credentials().GetCredentialByCredentialID(ctx, testTenant, "cred-1")
		require.NoError(t, err)
		require.Equal(t, identity, cred.IdentityID)
		require.Equal(t, uint32(0), cred.SignCount)
	})

	t.Run("duplicate credential id is rejected", func(t *testing.T) {
		pub, priv, err := cryptox.GenerateEd25519Keypair()
		require.NoError(t, err)

		started, err := m.StartRegistration(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		payload := SignedPayload(started.Nonce, started.Origin, 0)
		_, err = m.FinishRegistration(ctx, Assertion{
			Token:        started.Token,
			CredentialID: "cred-1",
			PublicKey:    pub,
			SignCount:    0,
			Signature:    ed25519.Sign(priv, payload),
		})
		require.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		pub, _, err := cryptox.GenerateEd25519Keypair()
		require.NoError(t, err)
		_, wrongPriv, err := cryptox.GenerateEd25519Keypair()
		require.NoError(t, err)

		started, err := m.StartRegistration(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		payload := SignedPayload(started.Nonce, started.Origin, 0)
		_, err = m.FinishRegistration(ctx, Assertion{
			Token:        started.Token,
			CredentialID: "cred-2",
			PublicKey:    pub,
			SignCount:    0,
			Signature:    ed25519.Sign(wrongPriv, payload),
		})
		require.ErrorIs(t, err, ErrInvalidCredential)

		var denial *Denial
		require.ErrorAs(t, err, &denial)

		events := eventsOfType(t, m.Ledger, domain.EventCeremonyRejected)
		require.NotEmpty(t, events)
		found := false
		for _, ev := range events {
			if ev.Metadata["correlation_id"] == denial.CorrelationID {
				found = true
			}
		}
		require.True(t, found, "the rejected event carries the caller's reference")
	})

	t.Run("malformed public key never stores", func(t *testing.T) {
		started, err := m.StartRegistration(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		_, err = m.FinishRegistration(ctx, Assertion{
			Token:        started.Token,
			CredentialID: "cred-3",
			PublicKey:    []byte{0x01, 0x02},
			Signature:    []byte("sig"),
		})
		require.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestCeremonyAuthentication(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, identity := newTestCeremony(t)
	_, priv := registerCredential(t, m, identity, "auth-cred", 5)

	assertAt := func(t *testing.T, signCount uint32) (domain.Credential, error) {
		t.Helper()

		started, err := m.StartAuthentication(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		payload := SignedPayload(started.Nonce, started.Origin, signCount)
		return m.FinishAuthentication(ctx, Assertion{
			Token:        started.Token,
			CredentialID: "auth-cred",
			SignCount:    signCount,
			Signature:    ed25519.Sign(priv, payload),
		})
	}

	t.Run("advancing counter verifies", func(t *testing.T) {
		cred, err := assertAt(t, 6)
		require.NoError(t, err)
		require.Equal(t, uint32(6), cred.SignCount)
		require.NotNil(t, cred.LastUsedAt)
	})

	t.Run("stale counter is a clone signal even with a valid signature", func(t *testing.T) {
		_, err := assertAt(t, 6)
		require.ErrorIs(t, err, ErrClonedCredentialSuspected)

		var denial *Denial
		require.ErrorAs(t, err, &denial)

		events := eventsOfType(t, m.Ledger, domain.EventClonedCredential)
		require.NotEmpty(t, events)
		require.Equal(t, domain.SeverityHigh, events[0].Severity)
		require.Equal(t, denial.CorrelationID, events[0].Metadata["correlation_id"])

		// The stored counter is untouched by the suspect assertion.
		cred, err := m.Store.Credentials().GetCredentialByCredentialID(ctx, testTenant, "auth-cred")
		require.NoError(t, err)
		require.Equal(t, uint32(6), cred.SignCount)
	})

	t.Run("unknown credential id is rejected", func(t *testing.T) {
		started, err := m.StartAuthentication(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		payload := SignedPayload(started.Nonce, started.Origin, 7)
		_, err = m.FinishAuthentication(ctx, Assertion{
			Token:        started.Token,
			CredentialID: "ghost-cred",
			SignCount:    7,
			Signature:    ed25519.Sign(priv, payload),
		})
		require.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestCeremonyChallengeLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, identity := newTestCeremony(t)
	_, priv := registerCredential(t, m, identity, "lifecycle-cred", 0)

	t.Run("a challenge is single use", func(t *testing.T) {
		started, err := m.StartAuthentication(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		payload := SignedPayload(started.Nonce, started.Origin, 1)
		sig := ed25519.Sign(priv, payload)

		_, err = m.FinishAuthentication(ctx, Assertion{
			Token: started.Token, CredentialID: "lifecycle-cred", SignCount: 1, Signature: sig,
		})
		require.NoError(t, err)

		_, err = m.FinishAuthentication(ctx, Assertion{
			Token: started.Token, CredentialID: "lifecycle-cred", SignCount: 2, Signature: sig,
		})
		require.ErrorIs(t, err, ErrExpired)
	})

	t.Run("an expired challenge cannot finish", func(t *testing.T) {
		started, err := m.StartAuthentication(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		m.now = func() time.Time { return time.Now().Add(m.Config.ChallengeTTL + time.Second) }
		defer func() { m.now = time.Now }()

		payload := SignedPayload(started.Nonce, started.Origin, 2)
		_, err = m.FinishAuthentication(ctx, Assertion{
			Token: started.Token, CredentialID: "lifecycle-cred", SignCount: 2, Signature: ed25519.Sign(priv, payload),
		})
		require.ErrorIs(t, err, ErrExpired)
	})

	t.Run("a registration challenge cannot finish authentication", func(t *testing.T) {
		started, err := m.StartRegistration(ctx, testTenant, identity, testOrigin)
		require.NoError(t, err)

		payload := SignedPayload(started.Nonce, started.Origin, 3)
		_, err = m.FinishAuthentication(ctx, Assertion{
			Token: started.Token, CredentialID: "lifecycle-cred", SignCount: 3, Signature: ed25519.Sign(priv, payload),
		})
		require.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("an unknown token reads as expired", func(t *testing.T) {
		_, err := m.FinishAuthentication(ctx, Assertion{Token: "never-issued"})
		require.ErrorIs(t, err, ErrExpired)
	})
}
