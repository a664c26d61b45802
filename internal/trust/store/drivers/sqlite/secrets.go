package sqlite

import (
	"context"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
)

type secretsRepo struct {
	q querier
}

func (r *secretsRepo) GetSecret(ctx context.Context, tenantID, identityID string) (domain.OneTimeSecret, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT identity_id, tenant_id, secret, algorithm, digits, period_sec, last_used_step, created_at
		   FROM onetime_secrets WHERE tenant_id = ? AND identity_id = ?`, tenantID, identityID)

	var s domain.OneTimeSecret
	err := row.Scan(&s.IdentityID, &s.TenantID, &s.Secret, &s.Algorithm,
		&s.Digits, &s.PeriodSec, &s.LastUsedStep, &s.CreatedAt)
	if err != nil {
		return domain.OneTimeSecret{}, mapNotFound(err)
	}
	return s, nil
}

func (r *secretsRepo) UpsertSecret(ctx context.Context, s domain.OneTimeSecret) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO onetime_secrets
		   (identity_id, tenant_id, secret, algorithm, digits, period_sec, last_used_step, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity_id) DO UPDATE SET
		   secret = excluded.secret,
		   algorithm = excluded.algorithm,
		   digits = excluded.digits,
		   period_sec = excluded.period_sec,
		   last_used_step = excluded.last_used_step,
		   created_at = excluded.created_at`,
		s.IdentityID, s.TenantID, s.Secret, s.Algorithm,
		s.Digits, s.PeriodSec, s.LastUsedStep, s.CreatedAt)
	return err
}

func (r *secretsRepo) AdvanceLastUsedStep(ctx context.Context, tenantID, identityID string, step int64) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE onetime_secrets SET last_used_step = ?
		  WHERE tenant_id = ? AND identity_id = ? AND last_used_step < ?`,
		step, tenantID, identityID, step)
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
