package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/memkv"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/sqlite"
	"github.com/broadvale/trustcore/pkg/idx"
	"github.com/broadvale/trustcore/pkg/sealx"
)

const (
	testTenant = "tenant-a"
	testOrigin = "https://login.example.test"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestSealer(t *testing.T) *sealx.Sealer {
	t.Helper()

	sealer, err := sealx.NewSealer(bytes.Repeat([]byte{0x42}, 32), "trustcore-test")
	require.NoError(t, err)
	return sealer
}

func newTestLedger(t *testing.T, st store.Store) *AuditLedger {
	t.Helper()
	return NewAuditLedger(st, newTestSealer(t), nil)
}

func newTestGuard(t *testing.T, st store.Store) *AttemptGuard {
	t.Helper()
	return NewAttemptGuard(memkv.New(), newTestLedger(t, st), DefaultGuardConfig())
}

func seedIdentity(t *testing.T, st store.Store) string {
	t.Helper()

	id := string(idx.New())
	now := time.Now().UTC()
	require.NoError(t, st.Identities().CreateIdentity(context.Background(), domain.Identity{
		ID:        id,
		TenantID:  testTenant,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	return id
}

func testAttempt(identityID string) domain.AttemptContext {
	return domain.AttemptContext{
		TenantID:    testTenant,
		IdentityID:  identityID,
		Network:     "203.0.113.0/24",
		Fingerprint: "fp-chrome-linux",
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64)",
		At:          time.Now().UTC(),
	}
}

// eventsOfType pulls matching ledger entries for assertions.
func eventsOfType(t *testing.T, ledger *AuditLedger, eventType string) []domain.AuditEvent {
	t.Helper()

	events, err := ledger.Search(context.Background(), store.AuditFilter{EventType: eventType})
	require.NoError(t, err)
	return events
}
