package domain

import "time"

// OneTimeSecret is the shared secret behind an identity's time-step codes.
// An identity owns at most one; rotation happens only through re-enrollment.
type OneTimeSecret struct {
	IdentityID string
	TenantID   string
	Secret     string // base32, as produced at enrollment
	Algorithm  string // SHA1, SHA256, SHA512
	Digits     int
	PeriodSec  int
	// LastUsedStep is the highest time-step counter a code was accepted for.
	// A code matching a step at or below this value is replayed, not valid.
	LastUsedStep int64
	CreatedAt    time.Time
}

// RecoveryCode is a single-use fallback code. Only the SHA-256 fingerprint is
// stored; consumption deletes the row so one submission can ever win.
type RecoveryCode struct {
	IdentityID string
	TenantID   string
	CodeHash   string
	CreatedAt  time.Time
}
