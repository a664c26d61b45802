package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
)

type sessionsRepo struct {
	q querier
}

const sessionColumns = `id, tenant_id, identity_id, token_hash, status, mfa_status, parent_id,
	fingerprint_hash, network, country_code, risk_score,
	created_at, expires_at, last_active_at, terminated_at, terminate_reason`

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.IdentityID, s.TokenHash, string(s.Status), string(s.MFA),
		mapOptionalString(s.ParentID), s.FingerprintHash, s.Network, s.CountryCode,
		s.RiskScore, s.CreatedAt, s.ExpiresAt, s.LastActiveAt,
		mapOptionalTime(s.TerminatedAt), s.TerminateReason)
	return mapConflict(err)
}

func (r *sessionsRepo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *sessionsRepo) GetSessionByTokenHash(ctx context.Context, tokenHash string) (domain.Session, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)
	return scanSession(row)
}

func (r *sessionsRepo) ListActiveSessions(ctx context.Context, tenantID, identityID string) ([]domain.Session, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		  WHERE tenant_id = ? AND identity_id = ? AND status IN ('active', 'pending')
		  ORDER BY created_at DESC`, tenantID, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *sessionsRepo) UpdateSessionActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, at, id)
	return err
}

func (r *sessionsRepo) DowngradeSessionMFA(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = 'pending', mfa_status = 'required', last_active_at = ?
		  WHERE id = ? AND status = 'active'`, at, id)
	return err
}

func (r *sessionsRepo) PromoteSessionMFA(ctx context.Context, id string, expiresAt, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = 'active', mfa_status = 'verified', expires_at = ?, last_active_at = ?
		  WHERE id = ? AND status = 'pending'`, expiresAt, at, id)
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

func (r *sessionsRepo) MarkRefreshed(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = 'refreshed', last_active_at = ?
		  WHERE id = ? AND status IN ('active', 'pending')`, at, id)
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

func (r *sessionsRepo) TerminateSession(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = 'terminated', terminated_at = ?, terminate_reason = ?
		  WHERE id = ? AND status != 'terminated'`, at, reason, id)
	return err
}

func (r *sessionsRepo) TerminateOtherSessions(ctx context.Context, tenantID, identityID, keepID, reason string, at time.Time) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = 'terminated', terminated_at = ?, terminate_reason = ?
		  WHERE tenant_id = ? AND identity_id = ? AND id != ? AND status IN ('active', 'pending')`,
		at, reason, tenantID, identityID, keepID)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *sessionsRepo) TerminateExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = 'terminated', terminated_at = ?, terminate_reason = 'expired'
		  WHERE status IN ('active', 'pending') AND expires_at < ?`, now, now)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionFrom(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var status, mfa string
	var parentID sql.NullString
	var terminatedAt sql.NullTime

	err := row.Scan(&s.ID, &s.TenantID, &s.IdentityID, &s.TokenHash, &status, &mfa,
		&parentID, &s.FingerprintHash, &s.Network, &s.CountryCode, &s.RiskScore,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActiveAt, &terminatedAt, &s.TerminateReason)
	if err != nil {
		return domain.Session{}, err
	}

	s.Status = domain.SessionStatus(status)
	s.MFA = domain.MFAStatus(mfa)
	s.ParentID = mapNullStringPtr(parentID)
	s.TerminatedAt = mapNullTimePtr(terminatedAt)
	return s, nil
}

func scanSession(row *sql.Row) (domain.Session, error) {
	s, err := scanSessionFrom(row)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	return s, nil
}

func scanSessionRows(rows *sql.Rows) (domain.Session, error) {
	return scanSessionFrom(rows)
}
