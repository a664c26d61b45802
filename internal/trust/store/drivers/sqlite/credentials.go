package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
)

type credentialsRepo struct {
	q querier
}

func (r *credentialsRepo) CreateCredential(ctx context.Context, c domain.Credential) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO credentials
		   (id, tenant_id, identity_id, credential_id, public_key, sign_count, label, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.IdentityID, c.CredentialID, c.PublicKey,
		c.SignCount, c.Label, c.CreatedAt, mapOptionalTime(c.LastUsedAt))
	return mapConflict(err)
}

func (r *credentialsRepo) GetCredentialByCredentialID(ctx context.Context, tenantID, credentialID string) (domain.Credential, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, identity_id, credential_id, public_key, sign_count, label, created_at, last_used_at
		   FROM credentials WHERE tenant_id = ? AND credential_id = ?`, tenantID, credentialID)
	return scanCredential(row)
}

func (r *credentialsRepo) ListIdentityCredentials(ctx context.Context, tenantID, identityID string) ([]domain.Credential, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, tenant_id, identity_id, credential_id, public_key, sign_count, label, created_at, last_used_at
		   FROM credentials WHERE tenant_id = ? AND identity_id = ? ORDER BY created_at`,
		tenantID, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		var c domain.Credential
		var lastUsed sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.IdentityID, &c.CredentialID,
			&c.PublicKey, &c.SignCount, &c.Label, &c.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		c.LastUsedAt = mapNullTimePtr(lastUsed)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *credentialsRepo) AdvanceSignCount(ctx context.Context, id string, count uint32, usedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE credentials SET sign_count = ?, last_used_at = ?
		  WHERE id = ? AND sign_count < ?`,
		count, usedAt, id, count)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrStaleWrite
	}
	return nil
}

func scanCredential(row *sql.Row) (domain.Credential, error) {
	var c domain.Credential
	var lastUsed sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.IdentityID, &c.CredentialID,
		&c.PublicKey, &c.SignCount, &c.Label, &c.CreatedAt, &lastUsed)
	if err != nil {
		return domain.Credential{}, mapNotFound(err)
	}
	c.LastUsedAt = mapNullTimePtr(lastUsed)
	return c, nil
}
