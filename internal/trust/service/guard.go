package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/pkg/slogx"
)

// GuardScope separates per-identity throttling from per-network throttling.
// The two use independent budgets: a flood from one network must not lock an
// identity's other devices out, and a targeted identity attack must not block
// a whole shared-NAT population.
type GuardScope string

const (
	ScopeIdentity GuardScope = "identity"
	ScopeNetwork  GuardScope = "network"
)

// GuardKey identifies one attempt budget. Tenant is always part of the key so
// one tenant's lockouts never leak into another.
type GuardKey struct {
	TenantID string
	Scope    GuardScope
	Value    string // identity id, or source network
}

func (k GuardKey) failKey() string {
	return fmt.Sprintf("guard:fail:%s:%s:%s", k.TenantID, k.Scope, k.Value)
}

func (k GuardKey) lastKey() string {
	return fmt.Sprintf("guard:last:%s:%s:%s", k.TenantID, k.Scope, k.Value)
}

func (k GuardKey) lockKey() string {
	return fmt.Sprintf("guard:lock:%s:%s:%s", k.TenantID, k.Scope, k.Value)
}

// GuardConfig tunes backoff and lockout. Numeric values are deployment
// policy; the defaults are only sane starting points.
type GuardConfig struct {
	// FreeAttempts is how many consecutive failures are tolerated before
	// delays start.
	FreeAttempts int
	// BaseDelay is the first enforced delay; it doubles per further failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// LockoutThreshold is the failure count that triggers an absolute
	// lockout window.
	LockoutThreshold int
	// LockoutWindow is the absolute lockout duration for identity keys.
	LockoutWindow time.Duration
	// NetworkLockoutWindow bounds how long a whole network can be locked
	// out, protecting shared-NAT populations.
	NetworkLockoutWindow time.Duration
	// FailureWindow is how long the failure counter lives from the first
	// failure.
	FailureWindow time.Duration
}

// DefaultGuardConfig returns the starting-point policy.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FreeAttempts:         5,
		BaseDelay:            time.Second,
		MaxDelay:             5 * time.Minute,
		LockoutThreshold:     10,
		LockoutWindow:        15 * time.Minute,
		NetworkLockoutWindow: time.Minute,
		FailureWindow:        15 * time.Minute,
	}
}

// GuardDecision is the outcome of a Check.
type GuardDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AttemptGuard tracks repeated-attempt state in the KeyValue store. Every
// credential check goes through it before any secret is touched. Guard state
// loss fails open: an unreachable or wiped KeyValue yields allow plus a
// logged gap event, never a permanent lockout.
type AttemptGuard struct {
	KV     store.KeyValue
	Ledger *AuditLedger
	Config GuardConfig

	now func() time.Time
}

func NewAttemptGuard(kv store.KeyValue, ledger *AuditLedger, cfg GuardConfig) *AttemptGuard {
	if cfg.FreeAttempts <= 0 {
		cfg = DefaultGuardConfig()
	}
	return &AttemptGuard{KV: kv, Ledger: ledger, Config: cfg, now: time.Now}
}

// Check reports whether an attempt under key may proceed right now.
func (g *AttemptGuard) Check(ctx context.Context, key GuardKey) GuardDecision {
	now := g.now()

	// Absolute lockout first.
	lockVal, err := g.KV.Get(ctx, key.lockKey())
	switch {
	case err == nil:
		until, perr := strconv.ParseInt(lockVal, 10, 64)
		if perr == nil {
			if remaining := time.Unix(until, 0).Sub(now); remaining > 0 {
				return GuardDecision{Allowed: false, RetryAfter: remaining}
			}
		}
	case !errors.Is(err, store.ErrNotFound):
		g.stateGap(ctx, key, err)
		return GuardDecision{Allowed: true}
	}

	failures, lastFailure, ok := g.counters(ctx, key)
	if !ok {
		return GuardDecision{Allowed: true}
	}

	delay := g.delayFor(failures)
	if delay == 0 {
		return GuardDecision{Allowed: true}
	}

	if remaining := delay - now.Sub(lastFailure); remaining > 0 {
		return GuardDecision{Allowed: false, RetryAfter: remaining}
	}
	return GuardDecision{Allowed: true}
}

// RecordFailure bumps the failure counter and arms the lockout when the
// threshold is crossed.
func (g *AttemptGuard) RecordFailure(ctx context.Context, key GuardKey) {
	now := g.now()

	count, err := g.KV.Incr(ctx, key.failKey(), g.Config.FailureWindow)
	if err != nil {
		g.stateGap(ctx, key, err)
		return
	}
	if err := g.KV.Set(ctx, key.lastKey(), strconv.FormatInt(now.Unix(), 10), g.Config.FailureWindow); err != nil {
		g.stateGap(ctx, key, err)
		return
	}

	if count < int64(g.Config.LockoutThreshold) {
		return
	}

	window := g.Config.LockoutWindow
	if key.Scope == ScopeNetwork && g.Config.NetworkLockoutWindow < window {
		window = g.Config.NetworkLockoutWindow
	}

	until := now.Add(window)
	if err := g.KV.Set(ctx, key.lockKey(), strconv.FormatInt(until.Unix(), 10), window); err != nil {
		g.stateGap(ctx, key, err)
		return
	}

	g.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  key.TenantID,
		Actor:     "system",
		EventType: domain.EventGuardThrottled,
		Action:    "lockout",
		Status:    domain.AuditFailure,
		Severity:  domain.SeverityWarning,
		Target:    string(key.Scope) + ":" + key.Value,
		Metadata: map[string]string{
			"failures":     strconv.FormatInt(count, 10),
			"locked_until": until.UTC().Format(time.RFC3339),
		},
	})
}

// RecordSuccess resets the budget.
func (g *AttemptGuard) RecordSuccess(ctx context.Context, key GuardKey) {
	for _, k := range []string{key.failKey(), key.lastKey(), key.lockKey()} {
		if err := g.KV.Del(ctx, k); err != nil {
			g.stateGap(ctx, key, err)
			return
		}
	}
}

// counters fetches the failure count and last failure time. ok is false when
// the guard should fail open.
func (g *AttemptGuard) counters(ctx context.Context, key GuardKey) (failures int64, last time.Time, ok bool) {
	val, err := g.KV.Get(ctx, key.failKey())
	if errors.Is(err, store.ErrNotFound) {
		return 0, time.Time{}, true
	}
	if err != nil {
		g.stateGap(ctx, key, err)
		return 0, time.Time{}, false
	}
	failures, _ = strconv.ParseInt(val, 10, 64)

	lastVal, err := g.KV.Get(ctx, key.lastKey())
	if errors.Is(err, store.ErrNotFound) {
		return failures, g.now(), true
	}
	if err != nil {
		g.stateGap(ctx, key, err)
		return 0, time.Time{}, false
	}
	unix, _ := strconv.ParseInt(lastVal, 10, 64)
	return failures, time.Unix(unix, 0), true
}

// delayFor maps a failure count to the enforced delay: zero inside the free
// budget, then doubling from BaseDelay up to MaxDelay.
func (g *AttemptGuard) delayFor(failures int64) time.Duration {
	tier := failures - int64(g.Config.FreeAttempts)
	if tier < 0 {
		return 0
	}

	delay := g.Config.BaseDelay
	for ; tier > 0 && delay < g.Config.MaxDelay; tier-- {
		delay *= 2
	}
	if delay > g.Config.MaxDelay {
		delay = g.Config.MaxDelay
	}
	return delay
}

// stateGap handles KeyValue trouble: log, record the gap, allow.
func (g *AttemptGuard) stateGap(ctx context.Context, key GuardKey, err error) {
	slogx.FromContext(ctx).Warn("attempt guard state unavailable, failing open",
		slog.String("tenant_id", key.TenantID),
		slog.String("scope", string(key.Scope)),
		slog.Any("error", err),
	)

	g.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  key.TenantID,
		Actor:     "system",
		EventType: domain.EventGuardStateGap,
		Action:    "fail_open",
		Status:    domain.AuditError,
		Severity:  domain.SeverityWarning,
		Target:    string(key.Scope) + ":" + key.Value,
		Metadata:  map[string]string{"error": err.Error()},
	})
}
