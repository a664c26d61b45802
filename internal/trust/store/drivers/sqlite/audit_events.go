package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
)

type auditEventsRepo struct {
	q querier
}

const auditColumns = `id, tenant_id, actor, event_type, action, status, severity, target,
	metadata, event_hash, linkage, seal_id, created_at`

func (r *auditEventsRepo) AppendAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.Actor, ev.EventType, ev.Action,
		string(ev.Status), string(ev.Severity), ev.Target,
		string(meta), ev.EventHash, ev.Linkage,
		mapOptionalString(ev.SealID), ev.CreatedAt)
	return mapConflict(err)
}

func (r *auditEventsRepo) LastAuditEvent(ctx context.Context) (domain.AuditEvent, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events ORDER BY id DESC LIMIT 1`)
	return scanAuditEvent(row)
}

func (r *auditEventsRepo) ListEventsBetween(ctx context.Context, fromID, toID string) ([]domain.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE 1=1`
	var args []any
	if fromID != "" {
		query += ` AND id >= ?`
		args = append(args, fromID)
	}
	if toID != "" {
		query += ` AND id <= ?`
		args = append(args, toID)
	}
	query += ` ORDER BY id`

	return r.listEvents(ctx, query, args...)
}

func (r *auditEventsRepo) ListUnsealedEvents(ctx context.Context) ([]domain.AuditEvent, error) {
	return r.listEvents(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE seal_id IS NULL ORDER BY id`)
}

func (r *auditEventsRepo) BindEventsToSeal(ctx context.Context, sealID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, sealID)
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err := r.q.ExecContext(ctx,
		`UPDATE audit_events SET seal_id = ? WHERE id IN (`+placeholders+`)`, args...)
	return err
}

func (r *auditEventsRepo) SearchEvents(ctx context.Context, f store.AuditFilter) ([]domain.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE 1=1`
	var args []any

	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.To)
	}

	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return r.listEvents(ctx, query, args...)
}

func (r *auditEventsRepo) CreateSeal(ctx context.Context, seal domain.AuditSeal) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO audit_seals
		   (id, epoch, root, signature, receipt, event_count, first_event, last_event, sealed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seal.ID, seal.Epoch, seal.Root, seal.Signature, seal.Receipt,
		seal.EventCount, seal.FirstEvent, seal.LastEvent, seal.SealedAt)
	return mapConflict(err)
}

func (r *auditEventsRepo) LastSeal(ctx context.Context) (domain.AuditSeal, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, epoch, root, signature, receipt, event_count, first_event, last_event, sealed_at
		   FROM audit_seals ORDER BY epoch DESC LIMIT 1`)

	var s domain.AuditSeal
	err := row.Scan(&s.ID, &s.Epoch, &s.Root, &s.Signature, &s.Receipt,
		&s.EventCount, &s.FirstEvent, &s.LastEvent, &s.SealedAt)
	if err != nil {
		return domain.AuditSeal{}, mapNotFound(err)
	}
	return s, nil
}

func (r *auditEventsRepo) listEvents(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEventFrom(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanAuditEventFrom(row rowScanner) (domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var status, severity, meta string
	var sealID sql.NullString

	err := row.Scan(&ev.ID, &ev.TenantID, &ev.Actor, &ev.EventType, &ev.Action,
		&status, &severity, &ev.Target, &meta, &ev.EventHash, &ev.Linkage,
		&sealID, &ev.CreatedAt)
	if err != nil {
		return domain.AuditEvent{}, err
	}

	ev.Status = domain.AuditStatus(status)
	ev.Severity = domain.AuditSeverity(severity)
	ev.SealID = mapNullStringPtr(sealID)
	if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("unmarshal audit metadata: %w", err)
	}
	return ev, nil
}

func scanAuditEvent(row *sql.Row) (domain.AuditEvent, error) {
	ev, err := scanAuditEventFrom(row)
	if err != nil {
		return domain.AuditEvent{}, mapNotFound(err)
	}
	return ev, nil
}
