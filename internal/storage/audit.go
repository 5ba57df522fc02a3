package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arclight-dev/arclight/internal/model"
)

// auditTx writes an audit entry inside the caller's transaction so the entry
// commits atomically with the mutation it records.
func auditTx(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO orchestration_audit
		 (request_id, tenant_id, agent_id, deployment_id, actor, operation, from_status, to_status, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.RequestID, e.TenantID, e.AgentID, e.DeploymentID, e.Actor,
		e.Operation, e.FromStatus, e.ToStatus, e.Detail,
	); err != nil {
		return fmt.Errorf("storage: write audit entry: %w", err)
	}
	return nil
}

// RecordAudit writes a standalone audit entry outside any transaction, for
// mutations that do not run through the multi-row transactional paths.
func (db *DB) RecordAudit(ctx context.Context, e model.AuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO orchestration_audit
		 (request_id, tenant_id, agent_id, deployment_id, actor, operation, from_status, to_status, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.RequestID, e.TenantID, e.AgentID, e.DeploymentID, e.Actor,
		e.Operation, e.FromStatus, e.ToStatus, e.Detail,
	); err != nil {
		return fmt.Errorf("storage: write audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns recent audit entries for an agent, newest first.
func (db *DB) ListAuditEntries(ctx context.Context, tenantID, agentID uuid.UUID, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, tenant_id, agent_id, deployment_id, actor, operation, from_status, to_status, detail, created_at
		 FROM orchestration_audit
		 WHERE tenant_id = $1 AND agent_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		tenantID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.TenantID, &e.AgentID, &e.DeploymentID,
			&e.Actor, &e.Operation, &e.FromStatus, &e.ToStatus, &e.Detail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
