package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
)

const auditColumns = `id, audit_id, entity_type, entity_id, action, actor, actor_roles, old_values, new_values, reason, risk_level, tx_hash, trace_id, signature, created_at`

// AuditRepository implements audit.Repository. The table is append-only:
// this type exposes no update or delete.
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, log *audit.AuditLog) error {
	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO audit_logs
		(audit_id, entity_type, entity_id, action, actor, actor_roles, old_values, new_values, reason, risk_level, tx_hash, trace_id, signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, log.AuditID, log.EntityType, log.EntityID, log.Action, log.Actor, log.ActorRoles, log.OldValues, log.NewValues, log.Reason, log.RiskLevel, log.TxHash, log.TraceID, log.Signature, log.CreatedAt)
	return err
}

func (r *AuditRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT `+auditColumns+` FROM audit_logs WHERE audit_id=$1
	`, auditID)
	return scanAudit(row)
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	args := []interface{}{}
	idx := 1
	if filter.EntityType != nil {
		query += addWhere(query) + " entity_type=$" + itoa(idx)
		args = append(args, *filter.EntityType)
		idx++
	}
	if filter.EntityID != nil {
		query += addWhere(query) + " entity_id=$" + itoa(idx)
		args = append(args, *filter.EntityID)
		idx++
	}
	if filter.Action != nil {
		query += addWhere(query) + " action=$" + itoa(idx)
		args = append(args, *filter.Action)
		idx++
	}
	if filter.Actor != nil {
		query += addWhere(query) + " actor=$" + itoa(idx)
		args = append(args, *filter.Actor)
		idx++
	}
	if filter.RiskLevel != nil {
		query += addWhere(query) + " risk_level=$" + itoa(idx)
		args = append(args, *filter.RiskLevel)
		idx++
	}
	if filter.StartTime != nil {
		query += addWhere(query) + " created_at >= $" + itoa(idx)
		args = append(args, *filter.StartTime)
		idx++
	}
	if filter.EndTime != nil {
		query += addWhere(query) + " created_at <= $" + itoa(idx)
		args = append(args, *filter.EndTime)
		idx++
	}
	if filter.TraceID != nil {
		query += addWhere(query) + " trace_id=$" + itoa(idx)
		args = append(args, *filter.TraceID)
		idx++
	}
	if cursor != nil {
		query += addWhere(query) + " (created_at, id) < ($" + itoa(idx) + ", $" + itoa(idx+1) + ")"
		args = append(args, cursor.CreatedAt, cursor.ID)
		idx += 2
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + itoa(idx)
	args = append(args, limit)

	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var logs []*audit.AuditLog
	for rows.Next() {
		log, err := scanAudit(rows)
		if err != nil {
			return nil, nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *audit.Cursor
	if len(logs) == limit {
		last := logs[len(logs)-1]
		nextCursor = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return logs, nextCursor, nil
}

func (r *AuditRepository) GetByEntityID(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE entity_type=$1 AND entity_id=$2 ORDER BY created_at ASC, id ASC
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []*audit.AuditLog
	for rows.Next() {
		log, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanAudit(row pgx.Row) (*audit.AuditLog, error) {
	var log audit.AuditLog
	if err := row.Scan(&log.ID, &log.AuditID, &log.EntityType, &log.EntityID, &log.Action, &log.Actor, &log.ActorRoles, &log.OldValues, &log.NewValues, &log.Reason, &log.RiskLevel, &log.TxHash, &log.TraceID, &log.Signature, &log.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &log, nil
}
