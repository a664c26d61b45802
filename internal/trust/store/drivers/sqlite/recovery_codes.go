package sqlite

import (
	"context"
	"time"
)

type recoveryCodesRepo struct {
	q querier
}

func (r *recoveryCodesRepo) ReplaceRecoveryCodes(ctx context.Context, tenantID, identityID string, codeHashes []string) error {
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM recovery_codes WHERE tenant_id = ? AND identity_id = ?`,
		tenantID, identityID); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, hash := range codeHashes {
		if _, err := r.q.ExecContext(ctx,
			`INSERT INTO recovery_codes (identity_id, tenant_id, code_hash, created_at)
			 VALUES (?, ?, ?, ?)`,
			identityID, tenantID, hash, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *recoveryCodesRepo) ListRecoveryCodeHashes(ctx context.Context, tenantID, identityID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT code_hash FROM recovery_codes
		  WHERE tenant_id = ? AND identity_id = ? ORDER BY code_hash`,
		tenantID, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (r *recoveryCodesRepo) ConsumeRecoveryCode(ctx context.Context, tenantID, identityID, codeHash string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM recovery_codes
		  WHERE tenant_id = ? AND identity_id = ? AND code_hash = ?`,
		tenantID, identityID, codeHash)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// The delete is the consumption point: of N identical submissions,
	// exactly one sees affected == 1.
	return affected == 1, nil
}

func (r *recoveryCodesRepo) CountRecoveryCodes(ctx context.Context, tenantID, identityID string) (int, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE tenant_id = ? AND identity_id = ?`,
		tenantID, identityID)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
