package domain

import "time"

// Credential is a registered public key. SignCount is the
// authenticator-reported signature counter; an accepted assertion must carry
// a strictly greater value, otherwise the credential is treated as cloned.
type Credential struct {
	ID           string // internal record id (ULID)
	TenantID     string
	IdentityID   string
	CredentialID string // authenticator-chosen id, unique per tenant
	PublicKey    []byte // raw Ed25519 public key
	SignCount    uint32
	Label        string
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}

// ChallengePurpose distinguishes registration from authentication ceremonies.
type ChallengePurpose string

const (
	ChallengeRegister     ChallengePurpose = "register"
	ChallengeAuthenticate ChallengePurpose = "authenticate"
)

// Challenge is a single-use, time-boxed ceremony state record. It is keyed by
// an opaque token so any worker can finish a ceremony another worker started.
type Challenge struct {
	Token      string // opaque single-use token (what the caller holds)
	TenantID   string
	IdentityID string
	Purpose    ChallengePurpose
	Nonce      []byte // random material the authenticator signs over
	Origin     string // origin binding baked into the signed payload
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the challenge window has passed.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
