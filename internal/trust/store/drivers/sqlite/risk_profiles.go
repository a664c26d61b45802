package sqlite

import (
	"context"

	"github.com/broadvale/trustcore/internal/trust/domain"
)

type riskProfilesRepo struct {
	q querier
}

func (r *riskProfilesRepo) AppendObservation(ctx context.Context, obs domain.RiskObservation) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO risk_observations
		   (id, tenant_id, identity_id, network, fingerprint, country_code, lat, lon, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.TenantID, obs.IdentityID, obs.Network, obs.Fingerprint,
		obs.CountryCode, obs.Lat, obs.Lon, obs.ObservedAt)
	return mapConflict(err)
}

func (r *riskProfilesRepo) ListRecentObservations(ctx context.Context, tenantID, identityID string, limit int) ([]domain.RiskObservation, error) {
	// ULIDs sort by creation time, so ordering by id newest-first is ordering
	// by observation time with a stable tiebreak.
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, tenant_id, identity_id, network, fingerprint, country_code, lat, lon, observed_at
		   FROM risk_observations
		  WHERE tenant_id = ? AND identity_id = ?
		  ORDER BY id DESC LIMIT ?`, tenantID, identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RiskObservation
	for rows.Next() {
		var o domain.RiskObservation
		if err := rows.Scan(&o.ID, &o.TenantID, &o.IdentityID, &o.Network,
			&o.Fingerprint, &o.CountryCode, &o.Lat, &o.Lon, &o.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *riskProfilesRepo) TrimObservations(ctx context.Context, tenantID, identityID string, keep int) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM risk_observations
		  WHERE tenant_id = ? AND identity_id = ?
		    AND id NOT IN (
		      SELECT id FROM risk_observations
		       WHERE tenant_id = ? AND identity_id = ?
		       ORDER BY id DESC LIMIT ?)`,
		tenantID, identityID, tenantID, identityID, keep)
	return err
}
