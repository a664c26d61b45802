package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/pkg/cryptox"
)

// VerifyOutcome is the result category of a second-factor check.
type VerifyOutcome string

const (
	CodeValid         VerifyOutcome = "code_valid"
	CodeInvalid       VerifyOutcome = "code_invalid"
	RecoveryConsumed  VerifyOutcome = "recovery_consumed"
	RecoveryExhausted VerifyOutcome = "recovery_exhausted" // valid, but it was the last one
)

// VerifierConfig tunes code generation and acceptance.
type VerifierConfig struct {
	Issuer string
	Digits int
	Period time.Duration
	// Skew is how many time steps either side of now are accepted.
	Skew      int
	Algorithm string // SHA1, SHA256, SHA512
	// RecoveryCodeCount is how many single-use codes an enrollment issues.
	RecoveryCodeCount int
}

func DefaultVerifierConfig(issuer string) VerifierConfig {
	return VerifierConfig{
		Issuer:            issuer,
		Digits:            6,
		Period:            30 * time.Second,
		Skew:              1,
		Algorithm:         "SHA1",
		RecoveryCodeCount: 8,
	}
}

// Enrollment is handed back exactly once. The recovery codes exist in the
// clear only in this value; the store keeps fingerprints.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	RecoveryCodes   []string
}

// CredentialVerifier checks time-step codes and single-use recovery codes.
// Every check passes through the attempt guard before a stored secret is
// touched.
type CredentialVerifier struct {
	Store  store.Store
	Guard  *AttemptGuard
	Ledger *AuditLedger
	Config VerifierConfig

	now func() time.Time
}

func NewCredentialVerifier(st store.Store, guard *AttemptGuard, ledger *AuditLedger, cfg VerifierConfig) *CredentialVerifier {
	if cfg.Digits == 0 {
		cfg = DefaultVerifierConfig(cfg.Issuer)
	}
	return &CredentialVerifier{Store: st, Guard: guard, Ledger: ledger, Config: cfg, now: time.Now}
}

// GenerateEnrollment creates a fresh secret and recovery set for an identity,
// replacing any previous enrollment.
func (v *CredentialVerifier) GenerateEnrollment(ctx context.Context, tenantID, identityID string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.Config.Issuer,
		AccountName: identityID,
		Period:      uint(v.Config.Period.Seconds()),
		Digits:      otp.Digits(v.Config.Digits),
		Algorithm:   v.algorithm(),
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("verifier enroll: %w", err)
	}

	codes := make([]string, v.Config.RecoveryCodeCount)
	hashes := make([]string, v.Config.RecoveryCodeCount)
	for i := range codes {
		code, err := cryptox.GenerateToken(cryptox.TokenSize128)
		if err != nil {
			return Enrollment{}, fmt.Errorf("verifier enroll: %w", err)
		}
		codes[i] = code
		hashes[i] = cryptox.FingerprintToken(code)
	}

	err = v.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Secrets().UpsertSecret(ctx, domain.OneTimeSecret{
			IdentityID: identityID,
			TenantID:   tenantID,
			Secret:     key.Secret(),
			Algorithm:  v.Config.Algorithm,
			Digits:     v.Config.Digits,
			PeriodSec:  int(v.Config.Period.Seconds()),
			CreatedAt:  v.now().UTC(),
		}); err != nil {
			return err
		}
		return tx.RecoveryCodes().ReplaceRecoveryCodes(ctx, tenantID, identityID, hashes)
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("verifier enroll: %w", err)
	}

	v.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  tenantID,
		Actor:     identityID,
		EventType: domain.EventEnrollment,
		Action:    "enroll",
		Status:    domain.AuditSuccess,
		Severity:  domain.SeverityInfo,
		Metadata:  map[string]string{"recovery_codes": strconv.Itoa(len(codes))},
	})

	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		RecoveryCodes:   codes,
	}, nil
}

// Verify checks a submitted code. Digit-only input of the configured length
// takes the time-step path; anything that could be a recovery code takes the
// recovery path; everything else is rejected before any store read.
func (v *CredentialVerifier) Verify(ctx context.Context, attempt domain.AttemptContext, code string) (VerifyOutcome, error) {
	code = strings.TrimSpace(code)

	keys := v.guardKeys(attempt)
	for _, key := range keys {
		if d := v.Guard.Check(ctx, key); !d.Allowed {
			return CodeInvalid, v.throttled(ctx, attempt, key, d)
		}
	}

	// Malformed input never reaches the secret or the recovery set.
	kind := classifyCode(code, v.Config.Digits)
	if kind == codeMalformed {
		v.recordOutcome(ctx, attempt, keys, CodeInvalid, "malformed")
		return CodeInvalid, nil
	}

	var (
		outcome VerifyOutcome
		reason  string
		err     error
	)
	if kind == codeTimeStep {
		outcome, reason, err = v.verifyTimeStep(ctx, attempt, code)
	} else {
		outcome, reason, err = v.verifyRecovery(ctx, attempt, code)
	}
	if err != nil {
		return CodeInvalid, err
	}

	v.recordOutcome(ctx, attempt, keys, outcome, reason)
	return outcome, nil
}

type codeKind int

const (
	codeMalformed codeKind = iota
	codeTimeStep
	codeRecovery
)

// classifyCode routes input by shape: exactly the configured digit count of
// ASCII digits is a time-step code, a plausible base64url token is a
// recovery code, everything else is malformed.
func classifyCode(code string, digits int) codeKind {
	if code == "" || len(code) > 64 {
		return codeMalformed
	}

	allDigits := true
	for _, r := range code {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		if len(code) == digits {
			return codeTimeStep
		}
		return codeMalformed
	}

	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return codeMalformed
		}
	}
	return codeRecovery
}

// verifyTimeStep validates the code against each step in the accept window,
// nearest first. The first matching step that is newer than the watermark
// wins and becomes the new watermark; a concurrent duplicate accept loses the
// conditional write and is reported invalid.
func (v *CredentialVerifier) verifyTimeStep(ctx context.Context, attempt domain.AttemptContext, code string) (VerifyOutcome, string, error) {
	secret, err := v.Store.Secrets().GetSecret(ctx, attempt.TenantID, attempt.IdentityID)
	if errors.Is(err, store.ErrNotFound) {
		return CodeInvalid, "not_enrolled", nil
	}
	if err != nil {
		return CodeInvalid, "", fmt.Errorf("verifier: load secret: %w", err)
	}

	period := time.Duration(secret.PeriodSec) * time.Second
	opts := totp.ValidateOpts{
		Period:    uint(secret.PeriodSec),
		Skew:      0,
		Digits:    otp.Digits(secret.Digits),
		Algorithm: algorithmFromName(secret.Algorithm),
	}

	now := v.now()
	for _, offset := range stepOffsets(v.Config.Skew) {
		at := now.Add(time.Duration(offset) * period)
		step := at.Unix() / int64(secret.PeriodSec)
		if step <= secret.LastUsedStep {
			continue
		}

		ok, err := totp.ValidateCustom(code, secret.Secret, at, opts)
		if err != nil {
			return CodeInvalid, "", fmt.Errorf("verifier: validate: %w", err)
		}
		if !ok {
			continue
		}

		err = v.Store.Secrets().AdvanceLastUsedStep(ctx, attempt.TenantID, attempt.IdentityID, step)
		if errors.Is(err, store.ErrStaleWrite) {
			return CodeInvalid, "replayed_step", nil
		}
		if err != nil {
			return CodeInvalid, "", fmt.Errorf("verifier: advance step: %w", err)
		}
		return CodeValid, "", nil
	}
	return CodeInvalid, "no_step_matched", nil
}

// stepOffsets orders the accept window nearest-first: 0, -1, +1, -2, +2...
func stepOffsets(skew int) []int {
	offsets := []int{0}
	for i := 1; i <= skew; i++ {
		offsets = append(offsets, -i, i)
	}
	return offsets
}

func (v *CredentialVerifier) verifyRecovery(ctx context.Context, attempt domain.AttemptContext, code string) (VerifyOutcome, string, error) {
	hash := cryptox.FingerprintToken(code)

	consumed, err := v.Store.RecoveryCodes().ConsumeRecoveryCode(ctx, attempt.TenantID, attempt.IdentityID, hash)
	if err != nil {
		return CodeInvalid, "", fmt.Errorf("verifier: consume recovery: %w", err)
	}
	if !consumed {
		return CodeInvalid, "unknown_recovery_code", nil
	}

	remaining, err := v.Store.RecoveryCodes().CountRecoveryCodes(ctx, attempt.TenantID, attempt.IdentityID)
	if err != nil {
		return CodeInvalid, "", fmt.Errorf("verifier: count recovery: %w", err)
	}
	if remaining == 0 {
		return RecoveryExhausted, "", nil
	}
	return RecoveryConsumed, "", nil
}

func (v *CredentialVerifier) guardKeys(attempt domain.AttemptContext) []GuardKey {
	keys := []GuardKey{{TenantID: attempt.TenantID, Scope: ScopeIdentity, Value: attempt.IdentityID}}
	if attempt.Network != "" {
		keys = append(keys, GuardKey{TenantID: attempt.TenantID, Scope: ScopeNetwork, Value: attempt.Network})
	}
	return keys
}

// throttled records the early reject and wraps it for the caller. A guard
// denial is an outcome like any other: it leaves a ledger event carrying the
// correlation id the caller sees, even though the check never ran.
func (v *CredentialVerifier) throttled(ctx context.Context, attempt domain.AttemptContext, key GuardKey, d GuardDecision) error {
	denial := NewDenial(&ThrottledError{RetryAfter: d.RetryAfter})

	v.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  attempt.TenantID,
		Actor:     attempt.IdentityID,
		EventType: domain.EventGuardThrottled,
		Action:    "verify_code",
		Status:    domain.AuditFailure,
		Severity:  domain.SeverityWarning,
		Target:    string(key.Scope) + ":" + key.Value,
		Metadata: map[string]string{
			"retry_after":    d.RetryAfter.String(),
			"correlation_id": denial.CorrelationID,
		},
	})
	return denial
}

// recordOutcome updates the attempt budgets and writes the audit trail for a
// completed check.
func (v *CredentialVerifier) recordOutcome(ctx context.Context, attempt domain.AttemptContext, keys []GuardKey, outcome VerifyOutcome, reason string) {
	meta := map[string]string{"outcome": string(outcome)}
	if reason != "" {
		meta["reason"] = reason
	}

	ev := domain.AuditEvent{
		TenantID: attempt.TenantID,
		Actor:    attempt.IdentityID,
		Action:   "verify_code",
		Metadata: meta,
	}

	switch outcome {
	case CodeInvalid:
		for _, key := range keys {
			v.Guard.RecordFailure(ctx, key)
		}
		ev.EventType = domain.EventCodeRejected
		ev.Status = domain.AuditFailure
		ev.Severity = domain.SeverityWarning
	case CodeValid:
		for _, key := range keys {
			v.Guard.RecordSuccess(ctx, key)
		}
		ev.EventType = domain.EventCodeVerified
		ev.Status = domain.AuditSuccess
		ev.Severity = domain.SeverityInfo
	case RecoveryConsumed:
		for _, key := range keys {
			v.Guard.RecordSuccess(ctx, key)
		}
		ev.EventType = domain.EventRecoveryConsumed
		ev.Status = domain.AuditSuccess
		ev.Severity = domain.SeverityWarning
	case RecoveryExhausted:
		for _, key := range keys {
			v.Guard.RecordSuccess(ctx, key)
		}
		ev.EventType = domain.EventRecoveryExhaust
		ev.Status = domain.AuditSuccess
		ev.Severity = domain.SeverityHigh
	}

	v.Ledger.Record(ctx, ev)
}

func (v *CredentialVerifier) algorithm() otp.Algorithm {
	return algorithmFromName(v.Config.Algorithm)
}

func algorithmFromName(name string) otp.Algorithm {
	switch strings.ToUpper(name) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}
