package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/memkv"
)

func guardKeyFor(scope GuardScope, value string) GuardKey {
	return GuardKey{TenantID: testTenant, Scope: scope, Value: value}
}

func TestAttemptGuardBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newTestStore(t)
	guard := newTestGuard(t, st)
	key := guardKeyFor(ScopeIdentity, "alice")

	t.Run("fresh key allows", func(t *testing.T) {
		d := guard.Check(ctx, key)
		require.True(t, d.Allowed)
		require.Zero(t, d.RetryAfter)
	})

	t.Run("free attempts stay allowed", func(t *testing.T) {
		for i := 0; i < guard.Config.FreeAttempts-1; i++ {
			guard.RecordFailure(ctx, key)
			require.True(t, guard.Check(ctx, key).Allowed)
		}
	})

	t.Run("crossing the free budget throttles with a positive delay", func(t *testing.T) {
		guard.RecordFailure(ctx, key)

		d := guard.Check(ctx, key)
		require.False(t, d.Allowed)
		require.Greater(t, d.RetryAfter, time.Duration(0))
		require.LessOrEqual(t, d.RetryAfter, guard.Config.BaseDelay)
	})

	t.Run("delay grows but never beyond the cap", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			guard.RecordFailure(ctx, key)
		}

		d := guard.Check(ctx, key)
		require.False(t, d.Allowed)
		require.Greater(t, d.RetryAfter, guard.Config.BaseDelay)
		require.LessOrEqual(t, d.RetryAfter, guard.Config.MaxDelay)
	})

	t.Run("success resets the budget", func(t *testing.T) {
		guard.RecordSuccess(ctx, key)

		d := guard.Check(ctx, key)
		require.True(t, d.Allowed)
	})
}

func TestAttemptGuardLockout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newTestStore(t)
	guard := newTestGuard(t, st)

	t.Run("identity lockout uses the full window", func(t *testing.T) {
		key := guardKeyFor(ScopeIdentity, "bob")
		for i := 0; i < guard.Config.LockoutThreshold; i++ {
			guard.RecordFailure(ctx, key)
		}

		d := guard.Check(ctx, key)
		require.False(t, d.Allowed)
		require.Greater(t, d.RetryAfter, guard.Config.NetworkLockoutWindow)

		events := eventsOfType(t, guard.Ledger, domain.EventGuardThrottled)
		require.NotEmpty(t, events)
	})

	t.Run("network lockout is bounded by the network ceiling", func(t *testing.T) {
		key := guardKeyFor(ScopeNetwork, "198.51.100.0/24")
		for i := 0; i < guard.Config.LockoutThreshold; i++ {
			guard.RecordFailure(ctx, key)
		}

		d := guard.Check(ctx, key)
		require.False(t, d.Allowed)
		require.LessOrEqual(t, d.RetryAfter, guard.Config.NetworkLockoutWindow)
	})

	t.Run("lockout releases once the window passes", func(t *testing.T) {
		key := guardKeyFor(ScopeIdentity, "carol")
		for i := 0; i < guard.Config.LockoutThreshold; i++ {
			guard.RecordFailure(ctx, key)
		}
		require.False(t, guard.Check(ctx, key).Allowed)

		guard.now = func() time.Time { return time.Now().Add(guard.Config.LockoutWindow + guard.Config.MaxDelay + time.Second) }
		require.True(t, guard.Check(ctx, key).Allowed)
	})

	t.Run("tenants do not share budgets", func(t *testing.T) {
		other := GuardKey{TenantID: "tenant-b", Scope: ScopeIdentity, Value: "bob"}
		require.True(t, guard.Check(ctx, other).Allowed)
	})
}

// brokenKV simulates a lost or unreachable guard backend.
type brokenKV struct{}

var errKVDown = errors.New("kv down")

func (brokenKV) Get(ctx context.Context, key string) (string, error) { return "", errKVDown }
func (brokenKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errKVDown
}
func (brokenKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errKVDown
}
func (brokenKV) Del(ctx context.Context, key string) error { return errKVDown }

func TestAttemptGuardFailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newTestStore(t)
	guard := NewAttemptGuard(brokenKV{}, newTestLedger(t, st), DefaultGuardConfig())
	key := guardKeyFor(ScopeIdentity, "dave")

	d := guard.Check(ctx, key)
	require.True(t, d.Allowed, "guard state loss must never lock everyone out")

	guard.RecordFailure(ctx, key)
	require.True(t, guard.Check(ctx, key).Allowed)

	events := eventsOfType(t, guard.Ledger, domain.EventGuardStateGap)
	require.NotEmpty(t, events, "fail-open must leave a gap event behind")
}

// wrappingKV decorates another driver and wraps every error, the way a
// remote driver annotates its sentinels.
type wrappingKV struct {
	inner store.KeyValue
}

func (w wrappingKV) Get(ctx context.Context, key string) (string, error) {
	v, err := w.inner.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

func (w wrappingKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return w.inner.Set(ctx, key, value, ttl)
}

func (w wrappingKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return w.inner.Incr(ctx, key, ttl)
}

func (w wrappingKV) Del(ctx context.Context, key string) error {
	return w.inner.Del(ctx, key)
}

func TestAttemptGuardWrappedSentinels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newTestStore(t)
	guard := NewAttemptGuard(wrappingKV{inner: memkv.New()}, newTestLedger(t, st), DefaultGuardConfig())
	key := guardKeyFor(ScopeIdentity, "frank")

	require.True(t, guard.Check(ctx, key).Allowed)

	guard.RecordFailure(ctx, key)
	require.True(t, guard.Check(ctx, key).Allowed)

	events := eventsOfType(t, guard.Ledger, domain.EventGuardStateGap)
	require.Empty(t, events, "a wrapped miss is a miss, not a state gap")
}

func TestAttemptGuardCounterExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := time.Now()
	clock := base
	kv := memkv.NewWithClock(func() time.Time { return clock })

	st := newTestStore(t)
	guard := NewAttemptGuard(kv, newTestLedger(t, st), DefaultGuardConfig())
	guard.now = func() time.Time { return clock }
	key := guardKeyFor(ScopeIdentity, "erin")

	for i := 0; i < guard.Config.FreeAttempts; i++ {
		guard.RecordFailure(ctx, key)
	}
	require.False(t, guard.Check(ctx, key).Allowed)

	// The failure window anchors at the first failure; once it passes the
	// whole budget resets.
	clock = base.Add(guard.Config.FailureWindow + time.Second)
	require.True(t, guard.Check(ctx, key).Allowed)
}
