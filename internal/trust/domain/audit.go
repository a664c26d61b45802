package domain

import "time"

// AuditSeverity ranks how operator-urgent an audit event is.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus records the outcome the event describes.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditError   AuditStatus = "error" // internal error, outcome unknown
)

// Audit event types emitted by the trust core.
const (
	EventGuardThrottled   = "guard.throttled"
	EventGuardStateGap    = "guard.state_gap"
	EventCodeVerified     = "factor.code_verified"
	EventCodeRejected     = "factor.code_rejected"
	EventRecoveryConsumed = "factor.recovery_consumed"
	EventRecoveryExhaust  = "factor.recovery_exhausted"
	EventEnrollment       = "factor.enrolled"
	EventCeremonyStart    = "ceremony.started"
	EventCeremonyRegister = "ceremony.credential_registered"
	EventCeremonyVerified = "ceremony.assertion_verified"
	EventCeremonyRejected = "ceremony.assertion_rejected"
	EventCeremonyExpired  = "ceremony.challenge_expired"
	EventClonedCredential = "ceremony.cloned_credential_suspected"
	EventRiskAssessed     = "risk.assessed"
	EventSessionCreated   = "session.created"
	EventSessionRefreshed = "session.refreshed"
	EventSessionStepUp    = "session.step_up_forced"
	EventSessionRejected  = "session.rejected"
	EventSessionTerminate = "session.terminated"
	EventSessionAnomaly   = "session.concurrent_origin_anomaly"
	EventLedgerTampered   = "ledger.integrity_violation"
)

// AuditEvent is one append-only ledger record. Linkage chains each event to
// its predecessor: Linkage = H(prevLinkage || EventHash). Once written the
// record is immutable; VerifyIntegrity recomputes both hashes from content.
type AuditEvent struct {
	ID        string
	TenantID  string
	Actor     string // identity id, or "system"
	EventType string
	Action    string
	Status    AuditStatus
	Severity  AuditSeverity
	Target    string
	Metadata  map[string]string
	EventHash string // hash over the redacted canonical form
	Linkage   string // chain value binding this event to its predecessor
	SealID    *string
	CreatedAt time.Time
}

// AuditSeal is the periodic batch seal: the Merkle root over every event in
// the epoch, signed with that epoch's key.
type AuditSeal struct {
	ID         string
	Epoch      uint64
	Root       []byte
	Signature  []byte
	Receipt    string // signed receipt handed to the compliance sink
	EventCount int
	FirstEvent string
	LastEvent  string
	SealedAt   time.Time
}
