package domain

import "time"

// SessionStatus is the lifecycle state of a session. Terminated sessions are
// never reactivated; refresh always produces a new session id.
type SessionStatus string

const (
	// SessionPending means a second factor is still owed. Pending sessions
	// carry a short lifetime.
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	// SessionRefreshed marks a parent that has been rotated into a child.
	SessionRefreshed  SessionStatus = "refreshed"
	SessionTerminated SessionStatus = "terminated"
)

// MFAStatus tracks where the session stands on its second factor.
type MFAStatus string

const (
	MFANone     MFAStatus = "none"
	MFARequired MFAStatus = "required"
	MFAVerified MFAStatus = "verified"
	MFAFailed   MFAStatus = "failed"
)

// Session is an authenticated context for an identity. The opaque token held
// by the caller is stored only as a fingerprint, like any other bearer secret.
type Session struct {
	ID              string
	TenantID        string
	IdentityID      string
	TokenHash       string
	Status          SessionStatus
	MFA             MFAStatus
	ParentID        *string // set on sessions created by refresh
	FingerprintHash string
	Network         string
	CountryCode     string
	RiskScore       int // risk score at creation
	CreatedAt       time.Time
	ExpiresAt       time.Time
	LastActiveAt    time.Time
	TerminatedAt    *time.Time
	TerminateReason string
}

// Usable reports whether the session can still satisfy a validation call.
func (s Session) Usable(now time.Time) bool {
	if s.Status != SessionActive && s.Status != SessionPending {
		return false
	}
	return now.Before(s.ExpiresAt)
}
