package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Task kinds understood by the orchestration worker.
const (
	TaskDeploy  = "deploy"
	TaskCleanup = "cleanup"
)

// MaxTaskAttempts is the dead-letter threshold. Tasks that exceed it stay in
// the table for operator inspection and are swept after seven days.
const MaxTaskAttempts = 10

// Task is one row of the orchestration task queue. Provider calls run
// outside control-plane transactions, so every state transition they drive
// goes through this at-least-once queue and must be idempotent downstream.
type Task struct {
	ID           int64
	Kind         string
	TenantID     uuid.UUID
	AgentID      *uuid.UUID
	DeploymentID *uuid.UUID
	Payload      map[string]any
	Attempts     int
	LastError    *string
	CreatedAt    time.Time
}

// enqueueTask inserts a task inside the caller's transaction so the task
// becomes visible if and only if the triggering mutation commits.
func enqueueTask(ctx context.Context, tx pgx.Tx, kind string, tenantID uuid.UUID, agentID, deploymentID *uuid.UUID, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO orchestration_tasks (kind, tenant_id, agent_id, deployment_id, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		kind, tenantID, agentID, deploymentID, payload,
	); err != nil {
		return fmt.Errorf("storage: enqueue %s task: %w", kind, err)
	}
	return nil
}

// LeaseTasks selects up to limit runnable tasks and locks them for leaseFor.
// The lease must exceed the worker's per-batch deadline so a slow batch is
// not picked up twice by a second worker.
func (db *DB) LeaseTasks(ctx context.Context, limit int, leaseFor time.Duration) ([]Task, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, kind, tenant_id, agent_id, deployment_id, payload, attempts, last_error, created_at
		 FROM orchestration_tasks
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxTaskAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending tasks: %w", err)
	}

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.Kind, &t.TenantID, &t.AgentID, &t.DeploymentID,
			&t.Payload, &t.Attempts, &t.LastError, &t.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE orchestration_tasks SET locked_until = now() + $1 WHERE id = ANY($2)`,
		leaseFor, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit task lease: %w", err)
	}
	return tasks, nil
}

// CompleteTask removes a finished task from the queue.
func (db *DB) CompleteTask(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM orchestration_tasks WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: complete task: %w", err)
	}
	return nil
}

// FailTask records a failed attempt with exponential backoff, capped at five
// minutes. Tasks whose attempts reach MaxTaskAttempts stop being leased.
func (db *DB) FailTask(ctx context.Context, id int64, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE orchestration_tasks
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("storage: fail task: %w", err)
	}
	return nil
}

// CountPendingTasks returns the number of runnable tasks, for queue-depth
// gauges.
func (db *DB) CountPendingTasks(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orchestration_tasks WHERE attempts < $1`, MaxTaskAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending tasks: %w", err)
	}
	return n, nil
}

// ListDeadLetterTasks returns tasks that exhausted their attempts. A deploy
// task here usually means a deployment stuck in deploying; there is no
// automatic reconciliation, so operators work from this list.
func (db *DB) ListDeadLetterTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, tenant_id, agent_id, deployment_id, payload, attempts, last_error, created_at
		 FROM orchestration_tasks
		 WHERE attempts >= $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		MaxTaskAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead-letter tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.Kind, &t.TenantID, &t.AgentID, &t.DeploymentID,
			&t.Payload, &t.Attempts, &t.LastError, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan dead-letter task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SweepDeadLetterTasks deletes dead-letter tasks older than seven days.
func (db *DB) SweepDeadLetterTasks(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM orchestration_tasks
		 WHERE attempts >= $1 AND created_at < now() - interval '7 days'`,
		MaxTaskAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep dead-letter tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
