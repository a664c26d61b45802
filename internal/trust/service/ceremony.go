package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/pkg/cryptox"
	"github.com/broadvale/trustcore/pkg/idx"
	"github.com/broadvale/trustcore/pkg/slogx"
)

// CeremonyConfig tunes the challenge/response flow.
type CeremonyConfig struct {
	// ChallengeTTL bounds how long a started ceremony can be finished.
	ChallengeTTL time.Duration
	// NonceSize is the random material length in the signed payload.
	NonceSize int
}

func DefaultCeremonyConfig() CeremonyConfig {
	return CeremonyConfig{
		ChallengeTTL: 2 * time.Minute,
		NonceSize:    32,
	}
}

// StartedCeremony is what the caller relays to the authenticator: the token
// identifies the pending ceremony, nonce and origin are what gets signed.
type StartedCeremony struct {
	Token     string
	Nonce     []byte
	Origin    string
	ExpiresAt time.Time
}

// Assertion is the authenticator's answer to a challenge.
type Assertion struct {
	Token        string
	CredentialID string
	PublicKey    []byte // registration only
	SignCount    uint32
	Signature    []byte
	Label        string // registration only
}

// CeremonyManager runs the public-key challenge/response ceremonies. A
// challenge is a stored single-use record keyed by an opaque token, so any
// worker can finish a ceremony another worker started; nothing is pinned to
// the process that issued it.
type CeremonyManager struct {
	Store  store.Store
	Ledger *AuditLedger
	Config CeremonyConfig

	now func() time.Time
}

func NewCeremonyManager(st store.Store, ledger *AuditLedger, cfg CeremonyConfig) *CeremonyManager {
	if cfg.ChallengeTTL == 0 {
		cfg = DefaultCeremonyConfig()
	}
	return &CeremonyManager{Store: st, Ledger: ledger, Config: cfg, now: time.Now}
}

// StartRegistration opens a ceremony that will bind a new credential.
func (m *CeremonyManager) StartRegistration(ctx context.Context, tenantID, identityID, origin string) (StartedCeremony, error) {
	return m.start(ctx, tenantID, identityID, origin, domain.ChallengeRegister)
}

// StartAuthentication opens a ceremony for an existing credential.
func (m *CeremonyManager) StartAuthentication(ctx context.Context, tenantID, identityID, origin string) (StartedCeremony, error) {
	return m.start(ctx, tenantID, identityID, origin, domain.ChallengeAuthenticate)
}

func (m *CeremonyManager) start(ctx context.Context, tenantID, identityID, origin string, purpose domain.ChallengePurpose) (StartedCeremony, error) {
	nonce := make([]byte, m.Config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return StartedCeremony{}, fmt.Errorf("ceremony start: %w", err)
	}

	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return StartedCeremony{}, fmt.Errorf("ceremony start: %w", err)
	}

	now := m.now().UTC()
	ch := domain.Challenge{
		Token:      token,
		TenantID:   tenantID,
		IdentityID: identityID,
		Purpose:    purpose,
		Nonce:      nonce,
		Origin:     origin,
		ExpiresAt:  now.Add(m.Config.ChallengeTTL),
		CreatedAt:  now,
	}
	if err := m.Store.Challenges().CreateChallenge(ctx, ch); err != nil {
		return StartedCeremony{}, fmt.Errorf("ceremony start: %w", err)
	}

	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  tenantID,
		Actor:     identityID,
		EventType: domain.EventCeremonyStart,
		Action:    string(purpose),
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Metadata:  map[string]string{"origin": origin},
	})

	return StartedCeremony{Token: token, Nonce: nonce, Origin: origin, ExpiresAt: ch.ExpiresAt}, nil
}

// SignedPayload is the exact byte string an authenticator signs:
// SHA-256(nonce || origin || big-endian sign count). Binding the counter into
// the payload means a replayed signature cannot carry a fresh counter.
func SignedPayload(nonce []byte, origin string, signCount uint32) []byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write([]byte(origin))

	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], signCount)
	h.Write(counter[:])
	return h.Sum(nil)
}

// ceremonyResult accumulates the outcome of a finish transaction. Audit
// events raised inside the transaction are buffered here and written after
// commit, so the ledger never nests a second transaction under this one.
type ceremonyResult struct {
	denial error
	events []domain.AuditEvent
}

func (r *ceremonyResult) audit(ev domain.AuditEvent) {
	r.events = append(r.events, ev)
}

func (r *ceremonyResult) deny(ch domain.Challenge, category error, reason string) {
	d := NewDenial(category)
	r.denial = d
	r.audit(domain.AuditEvent{
		TenantID:  ch.TenantID,
		Actor:     ch.IdentityID,
		EventType: domain.EventCeremonyRejected,
		Action:    string(ch.Purpose),
		Status:    domain.AuditFailure,
		Severity:  domain.SeverityWarning,
		Metadata: map[string]string{
			"reason":         reason,
			"correlation_id": d.CorrelationID,
		},
	})
}

// FinishRegistration verifies the assertion against the presented public key
// and stores the credential. The authenticator-chosen credential id must be
// new within the tenant; registration never overwrites. Challenge consumption
// and credential creation commit together; consumption commits even when the
// assertion is rejected, so a failed finish burns the challenge.
func (m *CeremonyManager) FinishRegistration(ctx context.Context, a Assertion) (domain.Credential, error) {
	var (
		cred domain.Credential
		res  ceremonyResult
	)

	err := m.Store.WithTx(ctx, func(tx store.Tx) error {
		ch, ok, err := m.consume(ctx, tx, &res, a.Token, domain.ChallengeRegister)
		if err != nil || !ok {
			return err
		}

		pub, err := cryptox.ParseEd25519PublicKey(a.PublicKey)
		if err != nil {
			res.deny(ch, ErrInvalidCredential, "malformed_public_key")
			return nil
		}

		if !ed25519.Verify(pub, SignedPayload(ch.Nonce, ch.Origin, a.SignCount), a.Signature) {
			res.deny(ch, ErrInvalidCredential, "bad_signature")
			return nil
		}

		cred = domain.Credential{
			ID:           string(idx.New()),
			TenantID:     ch.TenantID,
			IdentityID:   ch.IdentityID,
			CredentialID: a.CredentialID,
			PublicKey:    a.PublicKey,
			SignCount:    a.SignCount,
			Label:        a.Label,
			CreatedAt:    m.now().UTC(),
		}

		if err := tx.Credentials().CreateCredential(ctx, cred); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				res.deny(ch, ErrInvalidCredential, "duplicate_credential_id")
				return nil
			}
			return err
		}

		res.audit(domain.AuditEvent{
			TenantID:  ch.TenantID,
			Actor:     ch.IdentityID,
			EventType: domain.EventCeremonyRegister,
			Action:    "register",
			Status:    domain.AuditSuccess,
			Severity:  domain.SeverityInfo,
			Target:    cred.CredentialID,
			Metadata:  map[string]string{"label": cred.Label},
		})
		return nil
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("ceremony register: %w", err)
	}

	m.flush(ctx, &res)
	if res.denial != nil {
		return domain.Credential{}, res.denial
	}
	return cred, nil
}

// FinishAuthentication verifies an assertion for a registered credential.
// The signature check runs first; a verifying signature with a stale counter
// is the clone signal, and it is treated as more severe than a bad signature
// precisely because the key material proved genuine. Counter persistence and
// challenge consumption commit in one transaction.
func (m *CeremonyManager) FinishAuthentication(ctx context.Context, a Assertion) (domain.Credential, error) {
	var (
		cred domain.Credential
		res  ceremonyResult
	)

	err := m.Store.WithTx(ctx, func(tx store.Tx) error {
		ch, ok, err := m.consume(ctx, tx, &res, a.Token, domain.ChallengeAuthenticate)
		if err != nil || !ok {
			return err
		}

		cred, err = tx.Credentials().GetCredentialByCredentialID(ctx, ch.TenantID, a.CredentialID)
		if errors.Is(err, store.ErrNotFound) {
			res.deny(ch, ErrInvalidCredential, "unknown_credential")
			return nil
		}
		if err != nil {
			return err
		}
		if cred.IdentityID != ch.IdentityID {
			res.deny(ch, ErrInvalidCredential, "credential_identity_mismatch")
			return nil
		}

		pub, err := cryptox.ParseEd25519PublicKey(cred.PublicKey)
		if err != nil {
			return fmt.Errorf("stored key: %w", err)
		}

		if !ed25519.Verify(pub, SignedPayload(ch.Nonce, ch.Origin, a.SignCount), a.Signature) {
			res.deny(ch, ErrInvalidCredential, "bad_signature")
			return nil
		}

		if a.SignCount <= cred.SignCount {
			m.suspectClone(&res, ch, cred, a.SignCount)
			return nil
		}

		now := m.now().UTC()
		err = tx.Credentials().AdvanceSignCount(ctx, cred.ID, a.SignCount, now)
		if errors.Is(err, store.ErrStaleWrite) {
			// A concurrent assertion advanced past us. For this call the
			// counter is stale, which is the same clone signal.
			m.suspectClone(&res, ch, cred, a.SignCount)
			return nil
		}
		if err != nil {
			return err
		}
		cred.SignCount = a.SignCount
		cred.LastUsedAt = &now

		res.audit(domain.AuditEvent{
			TenantID:  ch.TenantID,
			Actor:     ch.IdentityID,
			EventType: domain.EventCeremonyVerified,
			Action:    "authenticate",
			Status:    domain.AuditSuccess,
			Severity:  domain.SeverityInfo,
			Target:    cred.CredentialID,
		})
		return nil
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("ceremony authenticate: %w", err)
	}

	m.flush(ctx, &res)
	if res.denial != nil {
		return domain.Credential{}, res.denial
	}
	return cred, nil
}

// consume removes the challenge, enforcing single use and the TTL. A token
// that was never issued and one already consumed are indistinguishable. ok is
// false when the ceremony cannot proceed; the denial is already set.
func (m *CeremonyManager) consume(ctx context.Context, tx store.Tx, res *ceremonyResult, token string, purpose domain.ChallengePurpose) (domain.Challenge, bool, error) {
	ch, err := tx.Challenges().ConsumeChallenge(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing to attribute the event to; the correlation id only
		// reaches the log.
		d := NewDenial(ErrExpired)
		slogx.FromContext(ctx).Warn("ceremony token unknown or already consumed",
			slog.String("correlation_id", d.CorrelationID))
		res.denial = d
		return domain.Challenge{}, false, nil
	}
	if err != nil {
		return domain.Challenge{}, false, fmt.Errorf("consume challenge: %w", err)
	}

	if ch.Purpose != purpose {
		res.deny(ch, ErrInvalidCredential, "purpose_mismatch")
		return domain.Challenge{}, false, nil
	}
	if ch.Expired(m.now()) {
		d := NewDenial(ErrExpired)
		res.denial = d
		res.audit(domain.AuditEvent{
			TenantID:  ch.TenantID,
			Actor:     ch.IdentityID,
			EventType: domain.EventCeremonyExpired,
			Action:    string(ch.Purpose),
			Status:    domain.AuditFailure,
			Severity:  domain.SeverityInfo,
			Metadata:  map[string]string{"correlation_id": d.CorrelationID},
		})
		return domain.Challenge{}, false, nil
	}
	return ch, true, nil
}

func (m *CeremonyManager) suspectClone(res *ceremonyResult, ch domain.Challenge, cred domain.Credential, presented uint32) {
	d := NewDenial(ErrClonedCredentialSuspected)
	res.denial = d
	res.audit(domain.AuditEvent{
		TenantID:  ch.TenantID,
		Actor:     ch.IdentityID,
		EventType: domain.EventClonedCredential,
		Action:    "authenticate",
		Status:    domain.AuditFailure,
		Severity:  domain.SeverityHigh,
		Target:    cred.CredentialID,
		Metadata: map[string]string{
			"stored_count":    fmt.Sprintf("%d", cred.SignCount),
			"presented_count": fmt.Sprintf("%d", presented),
			"correlation_id":  d.CorrelationID,
		},
	})
}

func (m *CeremonyManager) flush(ctx context.Context, res *ceremonyResult) {
	for _, ev := range res.events {
		m.Ledger.Record(ctx, ev)
	}
}
