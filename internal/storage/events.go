package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-dev/arclight/internal/model"
)

// InsertEventWithUsage appends a metrics event and folds its counters into
// the tenant's billing bucket in one transaction. The dedup key (when
// present) rides the partial unique index: a duplicate insert affects no
// rows and the aggregation step is skipped, so a replayed report can never
// double-count. The billing period comes from the event's own timestamp, so
// replaying the event log reproduces identical buckets.
func (db *DB) InsertEventWithUsage(ctx context.Context, e model.MetricsEvent, dedupKey string) (model.IngestResult, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var key *string
	if dedupKey != "" {
		key = &dedupKey
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO metrics_events
		 (id, tenant_id, agent_id, deployment_id, runtime_provider, event_id, trace_id, dedup_key,
		  event_ts, requests, tokens, compute_ms, tool_calls, estimated_cost_micro, error_class, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (deployment_id, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		e.ID, e.TenantID, e.AgentID, e.DeploymentID, e.RuntimeProvider, e.EventID, e.TraceID, key,
		e.Timestamp, e.Requests, e.Tokens, e.ComputeMs, e.ToolCalls, e.EstimatedCostMicro, e.ErrorClass, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("storage: insert metrics event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate report; the original already aggregated. The result
		// references the existing row, not the id of the discarded insert.
		var existingID uuid.UUID
		if err := tx.QueryRow(ctx,
			`SELECT id FROM metrics_events WHERE deployment_id = $1 AND dedup_key = $2`,
			e.DeploymentID, dedupKey,
		).Scan(&existingID); err != nil {
			return model.IngestResult{}, fmt.Errorf("storage: resolve deduped event: %w", err)
		}
		return model.IngestResult{Deduped: true, EventID: existingID}, tx.Commit(ctx)
	}

	period := model.PeriodKey(e.Timestamp)
	if _, err := tx.Exec(ctx,
		`INSERT INTO billing_usage (tenant_id, period, requests, tokens, compute_ms, tool_calls, estimated_cost_micro, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (tenant_id, period)
		 DO UPDATE SET
		   requests = billing_usage.requests + EXCLUDED.requests,
		   tokens = billing_usage.tokens + EXCLUDED.tokens,
		   compute_ms = billing_usage.compute_ms + EXCLUDED.compute_ms,
		   tool_calls = billing_usage.tool_calls + EXCLUDED.tool_calls,
		   estimated_cost_micro = billing_usage.estimated_cost_micro + EXCLUDED.estimated_cost_micro,
		   updated_at = now()`,
		e.TenantID, period, e.Requests, e.Tokens, e.ComputeMs, e.ToolCalls, e.EstimatedCostMicro,
	); err != nil {
		return model.IngestResult{}, fmt.Errorf("storage: aggregate billing usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.IngestResult{}, fmt.Errorf("storage: commit event ingest: %w", err)
	}
	return model.IngestResult{Deduped: false, EventID: e.ID}, nil
}

// RecentEvents returns a tenant's latest metrics events, optionally filtered
// to one agent and to events at or after since.
func (db *DB) RecentEvents(ctx context.Context, tenantID uuid.UUID, agentID *uuid.UUID, since *time.Time, limit int) ([]model.MetricsEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT id, tenant_id, agent_id, deployment_id, runtime_provider, event_id, trace_id,
		 event_ts, requests, tokens, compute_ms, tool_calls, estimated_cost_micro, error_class, metadata, created_at
		 FROM metrics_events WHERE tenant_id = $1`
	args := []any{tenantID}
	if agentID != nil {
		args = append(args, *agentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(` AND event_ts >= $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: recent events: %w", err)
	}
	defer rows.Close()

	var events []model.MetricsEvent
	for rows.Next() {
		var e model.MetricsEvent
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.AgentID, &e.DeploymentID, &e.RuntimeProvider, &e.EventID, &e.TraceID,
			&e.Timestamp, &e.Requests, &e.Tokens, &e.ComputeMs, &e.ToolCalls, &e.EstimatedCostMicro,
			&e.ErrorClass, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan metrics event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore removes metrics events older than the cutoff for one
// tenant. Aggregated billing buckets are untouched; only the raw event log
// is subject to retention.
func (db *DB) DeleteEventsBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM metrics_events WHERE tenant_id = $1 AND created_at < $2`,
		tenantID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListTenantsForRetention returns every tenant id with its tier, for the
// retention sweeper.
func (db *DB) ListTenantsForRetention(ctx context.Context) ([]model.Tenant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tier, tier_changed_at, created_at, updated_at FROM tenants`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Tier, &t.TierChangedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
