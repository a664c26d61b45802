package sqlite

import (
	"context"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
)

type challengesRepo struct {
	q querier
}

func (r *challengesRepo) CreateChallenge(ctx context.Context, ch domain.Challenge) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO challenges (token, tenant_id, identity_id, purpose, nonce, origin, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.Token, ch.TenantID, ch.IdentityID, string(ch.Purpose),
		ch.Nonce, ch.Origin, ch.ExpiresAt, ch.CreatedAt)
	return mapConflict(err)
}

func (r *challengesRepo) ConsumeChallenge(ctx context.Context, token string) (domain.Challenge, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT token, tenant_id, identity_id, purpose, nonce, origin, expires_at, created_at
		   FROM challenges WHERE token = ?`, token)

	var ch domain.Challenge
	var purpose string
	err := row.Scan(&ch.Token, &ch.TenantID, &ch.IdentityID, &purpose,
		&ch.Nonce, &ch.Origin, &ch.ExpiresAt, &ch.CreatedAt)
	if err != nil {
		return domain.Challenge{}, mapNotFound(err)
	}
	ch.Purpose = domain.ChallengePurpose(purpose)

	res, err := r.q.ExecContext(ctx, `DELETE FROM challenges WHERE token = ?`, token)
	if err != nil {
		return domain.Challenge{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Challenge{}, err
	}
	// The delete is the single-use point; a concurrent consumer that read
	// the same row loses here.
	if affected == 0 {
		return domain.Challenge{}, store.ErrNotFound
	}
	return ch, nil
}

func (r *challengesRepo) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < ?`, now)
	return err
}
