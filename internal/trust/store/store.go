package store

import (
	"context"
	"errors"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrStaleWrite reports a conditional update that lost: the stored value
	// already moved past the one being written (counter regression, replayed
	// time step, double rotation).
	ErrStaleWrite = errors.New("store: conditional write lost")
)

// Store is the root data access interface. Concrete drivers (sqlite for now)
// implement this. It exposes sub-repositories to keep concerns tidy and
// testable, and a transaction entry point for the mutations that must be
// atomic per key: counter updates, recovery consumption, session rotation.
type Store interface {
	Identities() Identities
	Secrets() Secrets
	RecoveryCodes() RecoveryCodes
	Credentials() Credentials
	Challenges() Challenges
	Sessions() Sessions
	RiskProfiles() RiskProfiles
	AuditEvents() AuditEvents

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing when fn returns nil
	// and rolling back otherwise. This is the recommended entry point.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Identities interface {
	GetIdentity(ctx context.Context, tenantID, id string) (domain.Identity, error)

	// CreateIdentity inserts a new identity (id provided by the app via ULID).
	CreateIdentity(ctx context.Context, ident domain.Identity) error
}

type Secrets interface {
	// GetSecret returns the identity's one-time secret, ErrNotFound when the
	// identity has never enrolled.
	GetSecret(ctx context.Context, tenantID, identityID string) (domain.OneTimeSecret, error)

	// UpsertSecret stores a new secret, replacing any previous enrollment and
	// resetting the last-used step.
	UpsertSecret(ctx context.Context, s domain.OneTimeSecret) error

	// AdvanceLastUsedStep moves the replay watermark forward. It only
	// succeeds when step is strictly greater than the stored value, so of
	// two concurrent accepts for the same step exactly one wins; the loser
	// gets ErrStaleWrite.
	AdvanceLastUsedStep(ctx context.Context, tenantID, identityID string, step int64) error
}

type RecoveryCodes interface {
	// ReplaceRecoveryCodes drops any existing codes and stores the new set.
	ReplaceRecoveryCodes(ctx context.Context, tenantID, identityID string, codeHashes []string) error

	// ListRecoveryCodeHashes returns the hashes still available.
	ListRecoveryCodeHashes(ctx context.Context, tenantID, identityID string) ([]string, error)

	// ConsumeRecoveryCode deletes the code if present and reports whether
	// this call was the one that removed it. Single use follows from the
	// delete being the atomic point of consumption.
	ConsumeRecoveryCode(ctx context.Context, tenantID, identityID, codeHash string) (bool, error)

	CountRecoveryCodes(ctx context.Context, tenantID, identityID string) (int, error)
}

type Credentials interface {
	// CreateCredential inserts a new public-key credential. A duplicate
	// authenticator credential id within the tenant returns ErrAlreadyExists;
	// there is no silent overwrite.
	CreateCredential(ctx context.Context, c domain.Credential) error

	GetCredentialByCredentialID(ctx context.Context, tenantID, credentialID string) (domain.Credential, error)

	ListIdentityCredentials(ctx context.Context, tenantID, identityID string) ([]domain.Credential, error)

	// AdvanceSignCount persists a newly accepted signature counter. It only
	// succeeds when count is strictly greater than the stored value
	// (ErrStaleWrite otherwise), which is what makes concurrent duplicate
	// assertions single-winner.
	AdvanceSignCount(ctx context.Context, id string, count uint32, usedAt time.Time) error
}

type Challenges interface {
	CreateChallenge(ctx context.Context, ch domain.Challenge) error

	// ConsumeChallenge removes and returns the challenge in one step.
	// ErrNotFound means the token was never issued or was already consumed.
	ConsumeChallenge(ctx context.Context, token string) (domain.Challenge, error)

	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

type Sessions interface {
	CreateSession(ctx context.Context, s domain.Session) error

	GetSession(ctx context.Context, id string) (domain.Session, error)

	GetSessionByTokenHash(ctx context.Context, tokenHash string) (domain.Session, error)

	ListActiveSessions(ctx context.Context, tenantID, identityID string) ([]domain.Session, error)

	// UpdateSessionActivity bumps last-active.
	UpdateSessionActivity(ctx context.Context, id string, at time.Time) error

	// DowngradeSessionMFA moves an active session back to pending with MFA
	// required (step-up), never the other way around here.
	DowngradeSessionMFA(ctx context.Context, id string, at time.Time) error

	// PromoteSessionMFA moves a pending session to active with MFA verified
	// and the given new expiry. ErrStaleWrite when the session is not
	// pending any more.
	PromoteSessionMFA(ctx context.Context, id string, expiresAt, at time.Time) error

	// MarkRefreshed flips a parent session to refreshed status. Fails with
	// ErrStaleWrite when the session is no longer active/pending, so two
	// concurrent refreshes cannot both rotate the same parent.
	MarkRefreshed(ctx context.Context, id string, at time.Time) error

	TerminateSession(ctx context.Context, id, reason string, at time.Time) error

	// TerminateOtherSessions terminates every usable session of the identity
	// except keepID, returning how many were closed.
	TerminateOtherSessions(ctx context.Context, tenantID, identityID, keepID, reason string, at time.Time) (int, error)

	// TerminateExpiredSessions is housekeeping.
	TerminateExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

type RiskProfiles interface {
	AppendObservation(ctx context.Context, obs domain.RiskObservation) error

	// ListRecentObservations returns up to limit observations, newest first.
	ListRecentObservations(ctx context.Context, tenantID, identityID string, limit int) ([]domain.RiskObservation, error)

	// TrimObservations keeps the newest keep rows and deletes the rest.
	// Profiles are trimmed, never wiped.
	TrimObservations(ctx context.Context, tenantID, identityID string, keep int) error
}

// AuditFilter narrows a ledger search. Zero fields match everything.
type AuditFilter struct {
	TenantID  string
	Actor     string
	EventType string
	Status    domain.AuditStatus
	Severity  domain.AuditSeverity
	From      time.Time
	To        time.Time
	Limit     int
}

type AuditEvents interface {
	// AppendAuditEvent persists one ledger record. Failures surface to the
	// caller; the ledger never drops events silently.
	AppendAuditEvent(ctx context.Context, ev domain.AuditEvent) error

	// LastAuditEvent returns the newest event in the chain, ErrNotFound for
	// an empty ledger.
	LastAuditEvent(ctx context.Context) (domain.AuditEvent, error)

	// ListEventsBetween returns events with id in [fromID, toID], in chain
	// order. Empty bounds mean open-ended.
	ListEventsBetween(ctx context.Context, fromID, toID string) ([]domain.AuditEvent, error)

	// ListUnsealedEvents returns events not yet bound to a seal, chain order.
	ListUnsealedEvents(ctx context.Context) ([]domain.AuditEvent, error)

	// BindEventsToSeal stamps a seal id onto the given events.
	BindEventsToSeal(ctx context.Context, sealID string, eventIDs []string) error

	SearchEvents(ctx context.Context, f AuditFilter) ([]domain.AuditEvent, error)

	CreateSeal(ctx context.Context, seal domain.AuditSeal) error

	// LastSeal returns the seal with the highest epoch, ErrNotFound when the
	// ledger has never been sealed.
	LastSeal(ctx context.Context) (domain.AuditSeal, error)
}
