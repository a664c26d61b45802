package sqlite

import (
	"context"
	"database/sql"

	"github.com/broadvale/trustcore/internal/trust/store"
)

type txStore struct {
	tx *sql.Tx
}

func newTx(tx *sql.Tx) *txStore {
	return &txStore{tx: tx}
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

func (t *txStore) Close() error { return nil } // nothing to close; outer DB stays open

// Ping is a no-op for transactions; the connection already exists.
func (t *txStore) Ping(ctx context.Context) error { return nil }

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return sql.ErrTxDone
}

func (t *txStore) ApplyMigrations() error { return nil } // migrations run before any tx starts

func (t *txStore) Identities() store.Identities       { return &identitiesRepo{q: t.tx} }
func (t *txStore) Secrets() store.Secrets             { return &secretsRepo{q: t.tx} }
func (t *txStore) RecoveryCodes() store.RecoveryCodes { return &recoveryCodesRepo{q: t.tx} }
func (t *txStore) Credentials() store.Credentials     { return &credentialsRepo{q: t.tx} }
func (t *txStore) Challenges() store.Challenges       { return &challengesRepo{q: t.tx} }
func (t *txStore) Sessions() store.Sessions           { return &sessionsRepo{q: t.tx} }
func (t *txStore) RiskProfiles() store.RiskProfiles   { return &riskProfilesRepo{q: t.tx} }
func (t *txStore) AuditEvents() store.AuditEvents     { return &auditEventsRepo{q: t.tx} }
