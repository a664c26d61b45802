package sqlite

import (
	"context"

	"github.com/broadvale/trustcore/internal/trust/domain"
)

type identitiesRepo struct {
	q querier
}

func (r *identitiesRepo) GetIdentity(ctx context.Context, tenantID, id string) (domain.Identity, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, created_at, updated_at
		   FROM identities WHERE tenant_id = ? AND id = ?`, tenantID, id)

	var ident domain.Identity
	if err := row.Scan(&ident.ID, &ident.TenantID, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		return domain.Identity{}, mapNotFound(err)
	}
	return ident, nil
}

func (r *identitiesRepo) CreateIdentity(ctx context.Context, ident domain.Identity) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO identities (id, tenant_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		ident.ID, ident.TenantID, ident.CreatedAt, ident.UpdatedAt)
	return mapConflict(err)
}
