package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/pkg/cryptox"
	"github.com/broadvale/trustcore/pkg/idx"
	"github.com/broadvale/trustcore/pkg/slogx"
)

// SessionConfig holds the lifetime policy.
type SessionConfig struct {
	// PendingTTL bounds how long a session may wait for its second factor.
	PendingTTL time.Duration
	// DefaultTTL is the normal active lifetime.
	DefaultTTL time.Duration
	// ElevatedTTL replaces DefaultTTL when the creating attempt scored as
	// elevated risk.
	ElevatedTTL time.Duration
	// ExtendedTTL is the opt-in long lifetime. Elevated risk wins over the
	// opt-in.
	ExtendedTTL time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PendingTTL:  10 * time.Minute,
		DefaultTTL:  12 * time.Hour,
		ElevatedTTL: time.Hour,
		ExtendedTTL: 30 * 24 * time.Hour,
	}
}

// CreateSessionOptions are caller choices at session creation.
type CreateSessionOptions struct {
	// Extended requests the long lifetime (the "remember me" path).
	Extended bool
}

// IssuedSession pairs a stored session with the one-time plaintext token.
// The token exists in the clear only in this value.
type IssuedSession struct {
	Session domain.Session
	Token   string
}

// SessionManager owns the session lifecycle: Pending, Active, Refreshed (a
// rotated-out parent) and Terminated. Callers hold an opaque token; the
// store only ever sees its fingerprint.
type SessionManager struct {
	Store    store.Store
	Ledger   *AuditLedger
	Notifier *Notifier
	Config   SessionConfig

	// wg tracks the post-creation anomaly sweeps so Close can drain them.
	wg  sync.WaitGroup
	now func() time.Time
}

func NewSessionManager(st store.Store, ledger *AuditLedger, notifier *Notifier, cfg SessionConfig) *SessionManager {
	if cfg.DefaultTTL == 0 {
		cfg = DefaultSessionConfig()
	}
	return &SessionManager{Store: st, Ledger: ledger, Notifier: notifier, Config: cfg, now: time.Now}
}

// Close waits for in-flight background sweeps.
func (m *SessionManager) Close() {
	m.wg.Wait()
}

// Create opens a session for an attempt that already passed its primary
// factor. The risk assessment decides both the starting state (pending when
// a second factor is owed) and the lifetime. The concurrent-origin sweep
// runs after the session is durable and never blocks the caller.
func (m *SessionManager) Create(ctx context.Context, attempt domain.AttemptContext, assessment RiskAssessment, opts CreateSessionOptions) (IssuedSession, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("session create: %w", err)
	}

	now := m.now().UTC()
	s := domain.Session{
		ID:              string(idx.New()),
		TenantID:        attempt.TenantID,
		IdentityID:      attempt.IdentityID,
		TokenHash:       cryptox.FingerprintToken(token),
		Status:          domain.SessionActive,
		MFA:             domain.MFANone,
		FingerprintHash: attempt.Fingerprint,
		Network:         attempt.Network,
		CountryCode:     attempt.Location.CountryCode,
		RiskScore:       assessment.Score,
		CreatedAt:       now,
		LastActiveAt:    now,
		ExpiresAt:       now.Add(m.lifetime(assessment, opts)),
	}
	if assessment.Elevated() {
		s.Status = domain.SessionPending
		s.MFA = domain.MFARequired
		s.ExpiresAt = now.Add(m.Config.PendingTTL)
	}

	if err := m.Store.Sessions().CreateSession(ctx, s); err != nil {
		return IssuedSession{}, fmt.Errorf("session create: %w", err)
	}

	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  s.TenantID,
		Actor:     s.IdentityID,
		EventType: domain.EventSessionCreated,
		Action:    "create",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Target:    s.ID,
		Metadata: map[string]string{
			"status":     string(s.Status),
			"risk_score": strconv.Itoa(s.RiskScore),
		},
	})

	m.wg.Add(1)
	go m.sweepConcurrentOrigins(slogx.WithContext(context.Background(), slogx.FromContext(ctx)), s)

	return IssuedSession{Session: s, Token: token}, nil
}

// lifetime picks the active TTL: elevated risk always wins, then the opt-in
// extension, then the default.
func (m *SessionManager) lifetime(assessment RiskAssessment, opts CreateSessionOptions) time.Duration {
	switch {
	case assessment.Elevated():
		return m.Config.ElevatedTTL
	case opts.Extended:
		return m.Config.ExtendedTTL
	default:
		return m.Config.DefaultTTL
	}
}

// ConfirmMFA moves a pending session to active after its second factor
// passed, restoring the risk-appropriate lifetime.
func (m *SessionManager) ConfirmMFA(ctx context.Context, token string) (domain.Session, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status != domain.SessionPending {
		return domain.Session{}, m.deny(ctx, s, "confirm_mfa", ErrInvalidCredential, "not_pending")
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.Config.ElevatedTTL)

	err = m.Store.Sessions().PromoteSessionMFA(ctx, s.ID, expiresAt, now)
	if errors.Is(err, store.ErrStaleWrite) {
		return domain.Session{}, m.deny(ctx, s, "confirm_mfa", ErrInvalidCredential, "already_promoted")
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("session confirm: %w", err)
	}

	s.Status = domain.SessionActive
	s.MFA = domain.MFAVerified
	s.ExpiresAt = expiresAt
	s.LastActiveAt = now

	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  s.TenantID,
		Actor:     s.IdentityID,
		EventType: domain.EventSessionCreated,
		Action:    "confirm_mfa",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Target:    s.ID,
	})
	return s, nil
}

// Validate checks a presented token against its stored session and the
// context of the presenting client. Minor fingerprint drift is tolerated;
// material divergence downgrades the session to pending with a second factor
// owed rather than terminating it, since drift is more often a browser
// update than an attacker.
func (m *SessionManager) Validate(ctx context.Context, token string, attempt domain.AttemptContext) (domain.Session, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return domain.Session{}, err
	}

	now := m.now().UTC()
	if !s.Usable(now) {
		return domain.Session{}, m.deny(ctx, s, "validate", ErrExpired, "not_usable")
	}

	if m.materialDivergence(s, attempt) {
		if err := m.Store.Sessions().DowngradeSessionMFA(ctx, s.ID, now); err != nil {
			return domain.Session{}, fmt.Errorf("session validate: downgrade: %w", err)
		}
		s.Status = domain.SessionPending
		s.MFA = domain.MFARequired

		m.Ledger.Record(ctx, domain.AuditEvent{
			TenantID:  s.TenantID,
			Actor:     s.IdentityID,
			EventType: domain.EventSessionStepUp,
			Action:    "validate",
			Status:    domain.AuditFailure,
			Severity:  domain.SeverityWarning,
			Target:    s.ID,
			Metadata: map[string]string{
				"session_country": s.CountryCode,
				"attempt_country": attempt.Location.CountryCode,
			},
		})
		return s, nil
	}

	if err := m.Store.Sessions().UpdateSessionActivity(ctx, s.ID, now); err != nil {
		return domain.Session{}, fmt.Errorf("session validate: %w", err)
	}
	s.LastActiveAt = now
	return s, nil
}

// Refresh rotates a session: the parent moves to refreshed and a child with
// a fresh token takes over, inheriting the MFA standing. Both sides commit
// in one transaction, and the conditional parent update makes concurrent
// refreshes single-winner. A materially divergent presenter cannot rotate.
func (m *SessionManager) Refresh(ctx context.Context, token string, attempt domain.AttemptContext) (IssuedSession, error) {
	parent, err := m.lookup(ctx, token)
	if err != nil {
		return IssuedSession{}, err
	}

	now := m.now().UTC()
	if !parent.Usable(now) {
		return IssuedSession{}, m.deny(ctx, parent, "refresh", ErrExpired, "not_usable")
	}
	if m.materialDivergence(parent, attempt) {
		return IssuedSession{}, m.deny(ctx, parent, "refresh", ErrInvalidCredential, "material_divergence")
	}

	newToken, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("session refresh: %w", err)
	}

	child := domain.Session{
		ID:              string(idx.New()),
		TenantID:        parent.TenantID,
		IdentityID:      parent.IdentityID,
		TokenHash:       cryptox.FingerprintToken(newToken),
		Status:          parent.Status,
		MFA:             parent.MFA,
		ParentID:        &parent.ID,
		FingerprintHash: attempt.Fingerprint,
		Network:         attempt.Network,
		CountryCode:     attempt.Location.CountryCode,
		RiskScore:       parent.RiskScore,
		CreatedAt:       now,
		LastActiveAt:    now,
		ExpiresAt:       now.Add(parent.ExpiresAt.Sub(parent.CreatedAt)),
	}

	err = m.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().MarkRefreshed(ctx, parent.ID, now); err != nil {
			return err
		}
		return tx.Sessions().CreateSession(ctx, child)
	})
	if errors.Is(err, store.ErrStaleWrite) {
		// Someone else already rotated this parent.
		return IssuedSession{}, m.deny(ctx, parent, "refresh", ErrExpired, "already_rotated")
	}
	if err != nil {
		return IssuedSession{}, fmt.Errorf("session refresh: %w", err)
	}

	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  child.TenantID,
		Actor:     child.IdentityID,
		EventType: domain.EventSessionRefreshed,
		Action:    "refresh",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Target:    child.ID,
		Metadata:  map[string]string{"parent_id": parent.ID},
	})
	return IssuedSession{Session: child, Token: newToken}, nil
}

// Terminate closes the session behind a token. Terminating an already closed
// session is a no-op success.
func (m *SessionManager) Terminate(ctx context.Context, token, reason string) error {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return err
	}
	if err := m.Store.Sessions().TerminateSession(ctx, s.ID, reason, m.now().UTC()); err != nil {
		return fmt.Errorf("session terminate: %w", err)
	}

	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  s.TenantID,
		Actor:     s.IdentityID,
		EventType: domain.EventSessionTerminate,
		Action:    "terminate",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Target:    s.ID,
		Metadata:  map[string]string{"reason": reason},
	})
	return nil
}

// TerminateOthers closes every other usable session of the identity holding
// the given token. This is the "sign out everywhere else" path.
func (m *SessionManager) TerminateOthers(ctx context.Context, token, reason string) (int, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return 0, err
	}

	n, err := m.Store.Sessions().TerminateOtherSessions(ctx, s.TenantID, s.IdentityID, s.ID, reason, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("session terminate others: %w", err)
	}

	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  s.TenantID,
		Actor:     s.IdentityID,
		EventType: domain.EventSessionTerminate,
		Action:    "terminate_others",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Target:    s.ID,
		Metadata:  map[string]string{"terminated": strconv.Itoa(n), "reason": reason},
	})
	return n, nil
}

func (m *SessionManager) lookup(ctx context.Context, token string) (domain.Session, error) {
	s, err := m.Store.Sessions().GetSessionByTokenHash(ctx, cryptox.FingerprintToken(token))
	if errors.Is(err, store.ErrNotFound) {
		// An unknown token matches no session, so there is no tenant to
		// charge the event to; the correlation id only reaches the log.
		d := NewDenial(ErrInvalidCredential)
		slogx.FromContext(slogx.WithCorrelation(ctx, d.CorrelationID)).
			Warn("session token unknown")
		return domain.Session{}, d
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("session lookup: %w", err)
	}
	return s, nil
}

// deny wraps the category for the caller and records the rejection, so the
// coarse error a user sees can be joined back to its detail by correlation
// id.
func (m *SessionManager) deny(ctx context.Context, s domain.Session, action string, category error, reason string) error {
	d := NewDenial(category)
	m.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  s.TenantID,
		Actor:     s.IdentityID,
		EventType: domain.EventSessionRejected,
		Action:    action,
		Status:    domain.AuditFailure,
		Severity:  domain.SeverityWarning,
		Target:    s.ID,
		Metadata: map[string]string{
			"reason":         reason,
			"correlation_id": d.CorrelationID,
		},
	})
	return d
}

// materialDivergence reports whether the presenting context differs from the
// session's recorded origin in a way drift tolerance does not cover: a
// changed fingerprint alone is drift, a changed fingerprint plus a location
// or network jump is material.
func (m *SessionManager) materialDivergence(s domain.Session, attempt domain.AttemptContext) bool {
	fingerprintChanged := attempt.Fingerprint != "" && s.FingerprintHash != "" &&
		!cryptox.FingerprintEqual(s.FingerprintHash, attempt.Fingerprint)
	if !fingerprintChanged {
		return false
	}

	countryChanged := attempt.Location.CountryCode != "" && s.CountryCode != "" &&
		attempt.Location.CountryCode != s.CountryCode
	networkChanged := attempt.Network != "" && s.Network != "" && attempt.Network != s.Network
	return countryChanged || networkChanged
}

// sweepConcurrentOrigins looks for other usable sessions of the identity at
// a materially different origin. It flags, it never terminates; the decision
// to react belongs to the operator or the identity.
func (m *SessionManager) sweepConcurrentOrigins(ctx context.Context, created domain.Session) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sessions, err := m.Store.Sessions().ListActiveSessions(ctx, created.TenantID, created.IdentityID)
	if err != nil {
		slogx.FromContext(ctx).Error("concurrent origin sweep failed",
			slog.String("session_id", created.ID),
			slog.Any("error", err),
		)
		return
	}

	for _, other := range sessions {
		if other.ID == created.ID {
			continue
		}
		if !m.differentOrigin(created, other) {
			continue
		}

		m.Ledger.Record(ctx, domain.AuditEvent{
			TenantID:  created.TenantID,
			Actor:     created.IdentityID,
			EventType: domain.EventSessionAnomaly,
			Action:    "sweep",
			Status:    domain.AuditFailure,
			Severity:  domain.SeverityWarning,
			Target:    created.ID,
			Metadata: map[string]string{
				"other_session": other.ID,
				"country":       created.CountryCode,
				"other_country": other.CountryCode,
			},
		})
		if m.Notifier != nil {
			m.Notifier.Notify(ctx, created.TenantID, created.IdentityID,
				"Your account is signed in from two distant locations at once.")
		}
		return
	}
}

func (m *SessionManager) differentOrigin(a, b domain.Session) bool {
	if a.CountryCode != "" && b.CountryCode != "" && a.CountryCode != b.CountryCode {
		return true
	}
	return a.Network != "" && b.Network != "" && a.Network != b.Network &&
		a.FingerprintHash != b.FingerprintHash
}
