package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arclight-dev/arclight/internal/model"
)

// ReserveRequest atomically increments the tenant's per-period request
// counter, refusing the increment once limit is reached. Check and increment
// happen in one statement so two concurrent requests at the boundary cannot
// both slip under the ceiling. A limit of entitlements.Unlimited skips the
// ceiling entirely. Returns the post-increment count. The statement re-runs
// on transient conflicts; a refusal at the ceiling is final, not retried.
func (db *DB) ReserveRequest(ctx context.Context, tenantID uuid.UUID, period string, limit int64) (int64, error) {
	var used int64
	err := WithRetry(ctx, txRetries, txRetryBaseDelay, func() error {
		var err error
		used, err = db.reserveRequest(ctx, tenantID, period, limit)
		return err
	})
	return used, err
}

func (db *DB) reserveRequest(ctx context.Context, tenantID uuid.UUID, period string, limit int64) (int64, error) {
	var used int64
	var err error
	if limit <= 0 {
		err = db.pool.QueryRow(ctx,
			`INSERT INTO request_counters (tenant_id, period, used)
			 VALUES ($1, $2, 1)
			 ON CONFLICT (tenant_id, period)
			 DO UPDATE SET used = request_counters.used + 1
			 RETURNING used`,
			tenantID, period,
		).Scan(&used)
	} else {
		err = db.pool.QueryRow(ctx,
			`INSERT INTO request_counters (tenant_id, period, used)
			 VALUES ($1, $2, 1)
			 ON CONFLICT (tenant_id, period)
			 DO UPDATE SET used = request_counters.used + 1
			 WHERE request_counters.used < $3
			 RETURNING used`,
			tenantID, period, limit,
		).Scan(&used)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLimitExceeded
		}
		return 0, fmt.Errorf("storage: reserve request: %w", err)
	}
	return used, nil
}

// GetRequestCounter returns the tenant's request counter for a period. A
// missing row means zero usage.
func (db *DB) GetRequestCounter(ctx context.Context, tenantID uuid.UUID, period string) (model.RequestCounter, error) {
	c := model.RequestCounter{TenantID: tenantID, Period: period}
	err := db.pool.QueryRow(ctx,
		`SELECT used FROM request_counters WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
	).Scan(&c.Used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.RequestCounter{}, fmt.Errorf("storage: get request counter: %w", err)
	}
	return c, nil
}

// GetBillingUsage returns the aggregated usage bucket for a period. A
// missing row means an empty bucket, not an error.
func (db *DB) GetBillingUsage(ctx context.Context, tenantID uuid.UUID, period string) (model.BillingUsage, error) {
	u := model.BillingUsage{TenantID: tenantID, Period: period}
	err := db.pool.QueryRow(ctx,
		`SELECT requests, tokens, compute_ms, tool_calls, estimated_cost_micro, updated_at
		 FROM billing_usage WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
	).Scan(&u.Requests, &u.Tokens, &u.ComputeMs, &u.ToolCalls, &u.EstimatedCostMicro, &u.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.BillingUsage{}, fmt.Errorf("storage: get billing usage: %w", err)
	}
	return u, nil
}
