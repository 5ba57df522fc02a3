package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arclight-dev/arclight/internal/model"
)

const agentColumns = `id, tenant_id, name, description, status, env_keys,
	 active_deployment_id, runtime_provider, created_at, updated_at, deleted_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Description, &a.Status, &a.EnvKeys,
		&a.ActiveDeploymentID, &a.RuntimeProvider, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: scan agent: %w", err)
	}
	return a, nil
}

// CreateAgent inserts a new agent in draft status.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.AgentDraft
	}
	if a.EnvKeys == nil {
		a.EnvKeys = []string{}
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, tenant_id, name, description, status, env_keys, runtime_provider, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.TenantID, a.Name, a.Description, a.Status, a.EnvKeys, a.RuntimeProvider, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by ID scoped to a tenant. Soft-deleted agents
// are returned; callers decide whether deleted rows are acceptable.
func (db *DB) GetAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2`,
		agentID, tenantID,
	)
	return scanAgent(row)
}

// ListAgents returns a tenant's non-deleted agents, newest first.
func (db *DB) ListAgents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.Agent, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count agents: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE tenant_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		agents = append(agents, a)
	}
	return agents, total, rows.Err()
}

// UpdateAgent applies a partial update to mutable agent metadata. Status and
// the active pointer are never touched here; those belong to orchestration.
func (db *DB) UpdateAgent(ctx context.Context, tenantID, agentID uuid.UUID, req model.UpdateAgentRequest) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		agentID, tenantID,
	)
	a, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, err
	}
	if !a.Usable() {
		return model.Agent{}, ErrAgentUnusable
	}

	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.EnvKeys != nil {
		a.EnvKeys = *req.EnvKeys
	}
	a.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE agents SET name = $1, description = $2, env_keys = $3, updated_at = $4
		 WHERE id = $5`,
		a.Name, a.Description, a.EnvKeys, a.UpdatedAt, a.ID,
	); err != nil {
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit agent update: %w", err)
	}
	return a, nil
}

// SetAgentEnabled toggles an agent between disabled and its restored status.
// Disabling un-routes the agent: the active pointer is cleared along with the
// status flip. The deployment row itself stays active, so re-enabling an
// agent means an explicit ActivateDeployment to restore routing rather than
// silently resuming traffic to whatever was live before the disable.
func (db *DB) SetAgentEnabled(ctx context.Context, tenantID, agentID uuid.UUID, enabled bool) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		agentID, tenantID,
	)
	a, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, err
	}
	if a.DeletedAt != nil || a.Status == model.AgentDeleted {
		return model.Agent{}, ErrAgentUnusable
	}

	switch {
	case enabled && a.Status == model.AgentDisabled:
		// The disable cleared the pointer, so the agent comes back ready
		// and needs an explicit activate before it takes traffic again.
		a.Status = model.AgentReady
	case !enabled && a.Status != model.AgentDisabled:
		a.Status = model.AgentDisabled
		a.ActiveDeploymentID = nil
	default:
		// Already in the requested state.
		return a, tx.Commit(ctx)
	}
	a.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE agents SET status = $1, active_deployment_id = $2, updated_at = $3 WHERE id = $4`,
		a.Status, a.ActiveDeploymentID, a.UpdatedAt, a.ID,
	); err != nil {
		return model.Agent{}, fmt.Errorf("storage: set agent enabled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit agent enable: %w", err)
	}
	return a, nil
}

// SoftDeleteAgent marks an agent deleted, clears its routing pointer, marks
// any active deployment inactive, and enqueues cleanup tasks for every
// deployment that has a provider ref. Telemetry and usage rows survive.
func (db *DB) SoftDeleteAgent(ctx context.Context, tenantID, agentID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		agentID, tenantID,
	)
	a, err := scanAgent(row)
	if err != nil {
		return err
	}
	if a.DeletedAt != nil || a.Status == model.AgentDeleted {
		// Idempotent: deleting a deleted agent is a no-op.
		return tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE agents
		 SET status = $1, active_deployment_id = NULL, deleted_at = $2, updated_at = $2
		 WHERE id = $3`,
		model.AgentDeleted, now, a.ID,
	); err != nil {
		return fmt.Errorf("storage: soft delete agent: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deployments SET status = $1, finished_at = COALESCE(finished_at, $2)
		 WHERE agent_id = $3 AND status = $4`,
		model.DeploymentInactive, now, a.ID, model.DeploymentActive,
	); err != nil {
		return fmt.Errorf("storage: deactivate deployments: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO orchestration_tasks (kind, tenant_id, agent_id, deployment_id)
		 SELECT $1, tenant_id, agent_id, id FROM deployments
		 WHERE agent_id = $2 AND provider_ref IS NOT NULL`,
		TaskCleanup, a.ID,
	); err != nil {
		return fmt.Errorf("storage: enqueue cleanup tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit agent delete: %w", err)
	}
	return nil
}
