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

const deploymentColumns = `id, tenant_id, agent_id, version, protocol_version, runtime_provider,
	 status, artifact_ref, provider_ref, telemetry_auth_ref, error_message, logs_ref,
	 created_at, deployed_at, finished_at`

func scanDeployment(row pgx.Row) (model.Deployment, error) {
	var d model.Deployment
	err := row.Scan(
		&d.ID, &d.TenantID, &d.AgentID, &d.Version, &d.ProtocolVersion, &d.RuntimeProvider,
		&d.Status, &d.ArtifactRef, &d.ProviderRef, &d.TelemetryAuthRef, &d.ErrorMessage, &d.LogsRef,
		&d.CreatedAt, &d.DeployedAt, &d.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deployment{}, ErrNotFound
		}
		return model.Deployment{}, fmt.Errorf("storage: scan deployment: %w", err)
	}
	return d, nil
}

// CreateDeploymentParams are the inputs for a new deployment record.
type CreateDeploymentParams struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	AgentID         uuid.UUID
	ProtocolVersion string
	RuntimeProvider string
	ArtifactRef     string
	RequestID       string
	Actor           string
}

// CreateDeployment starts a new rollout under the single-writer rule: the
// agent row is locked, at most one deployment per agent may be in deploying,
// and the version number is assigned under the same lock so versions are
// dense and strictly increasing. A deploy task is enqueued in the same
// transaction; the provider call itself happens after commit, in the worker.
// The whole transaction re-runs on transient serialization conflicts.
func (db *DB) CreateDeployment(ctx context.Context, p CreateDeploymentParams) (model.Deployment, error) {
	var d model.Deployment
	err := WithRetry(ctx, txRetries, txRetryBaseDelay, func() error {
		var err error
		d, err = db.createDeployment(ctx, p)
		return err
	})
	return d, err
}

func (db *DB) createDeployment(ctx context.Context, p CreateDeploymentParams) (model.Deployment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		p.AgentID, p.TenantID,
	)
	agent, err := scanAgent(row)
	if err != nil {
		return model.Deployment{}, err
	}
	if !agent.Usable() {
		return model.Deployment{}, ErrAgentUnusable
	}

	var inFlight bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deployments WHERE agent_id = $1 AND status = $2)`,
		agent.ID, model.DeploymentDeploying,
	).Scan(&inFlight); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: check in-flight deployment: %w", err)
	}
	if inFlight {
		return model.Deployment{}, ErrDeployInProgress
	}

	var version int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM deployments WHERE agent_id = $1`,
		agent.ID,
	).Scan(&version); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: assign version: %w", err)
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	d := model.Deployment{
		ID:              p.ID,
		TenantID:        p.TenantID,
		AgentID:         p.AgentID,
		Version:         version,
		ProtocolVersion: p.ProtocolVersion,
		RuntimeProvider: p.RuntimeProvider,
		Status:          model.DeploymentDeploying,
		ArtifactRef:     p.ArtifactRef,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO deployments (id, tenant_id, agent_id, version, protocol_version, runtime_provider, status, artifact_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.TenantID, d.AgentID, d.Version, d.ProtocolVersion, d.RuntimeProvider, d.Status, d.ArtifactRef, d.CreatedAt,
	); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: insert deployment: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agents SET status = $1, updated_at = now() WHERE id = $2`,
		model.AgentDeploying, agent.ID,
	); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: mark agent deploying: %w", err)
	}

	if err := enqueueTask(ctx, tx, TaskDeploy, p.TenantID, &agent.ID, &d.ID, nil); err != nil {
		return model.Deployment{}, err
	}

	if err := auditTx(ctx, tx, model.AuditEntry{
		RequestID:    p.RequestID,
		TenantID:     p.TenantID,
		AgentID:      &agent.ID,
		DeploymentID: &d.ID,
		Actor:        p.Actor,
		Operation:    model.AuditOpCreateDeployment,
		FromStatus:   string(agent.Status),
		ToStatus:     string(model.AgentDeploying),
		Detail:       map[string]any{"version": version},
	}); err != nil {
		return model.Deployment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: commit deployment create: %w", err)
	}
	return d, nil
}

// FinalizeDeploySuccess transitions a deploying deployment to active and
// flips the agent's routing pointer to it, atomically. It is idempotent: an
// already-active deployment only gets its pointer repaired if the pointer is
// missing. A finalize against a failed or inactive deployment is stale and
// rejected. The opaque refs are set-once; a retry must carry identical
// values or the write is rejected as divergent. The transaction re-runs on
// transient serialization conflicts; idempotence makes the re-run safe.
func (db *DB) FinalizeDeploySuccess(ctx context.Context, deploymentID uuid.UUID, providerRef, telemetryAuthRef string) error {
	return WithRetry(ctx, txRetries, txRetryBaseDelay, func() error {
		return db.finalizeDeploySuccess(ctx, deploymentID, providerRef, telemetryAuthRef)
	})
}

func (db *DB) finalizeDeploySuccess(ctx context.Context, deploymentID uuid.UUID, providerRef, telemetryAuthRef string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, agent, err := lockDeploymentAndAgent(ctx, tx, deploymentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	switch d.Status {
	case model.DeploymentActive:
		if agent.ActiveDeploymentID == nil && agent.Usable() {
			if _, err := tx.Exec(ctx,
				`UPDATE agents SET active_deployment_id = $1, status = $2, updated_at = $3 WHERE id = $4`,
				d.ID, model.AgentActive, now, agent.ID,
			); err != nil {
				return fmt.Errorf("storage: repair active pointer: %w", err)
			}
		}
		return tx.Commit(ctx)
	case model.DeploymentDeploying:
		// Fall through to the finalize path.
	default:
		return ErrStaleFinalize
	}

	if d.ProviderRef != nil && *d.ProviderRef != providerRef {
		return ErrDivergentWrite
	}
	if d.TelemetryAuthRef != nil && *d.TelemetryAuthRef != telemetryAuthRef {
		return ErrDivergentWrite
	}

	if !agent.Usable() {
		// The agent was deleted or disabled while the provider call was in
		// flight. The rollout cannot take traffic; park it and schedule the
		// provider-side resources for teardown.
		if _, err := tx.Exec(ctx,
			`UPDATE deployments
			 SET status = $1, provider_ref = $2, telemetry_auth_ref = $3, deployed_at = $4, finished_at = $4
			 WHERE id = $5`,
			model.DeploymentInactive, providerRef, telemetryAuthRef, now, d.ID,
		); err != nil {
			return fmt.Errorf("storage: park orphaned deployment: %w", err)
		}
		if err := enqueueTask(ctx, tx, TaskCleanup, d.TenantID, &d.AgentID, &d.ID, nil); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deployments SET status = $1, finished_at = COALESCE(finished_at, $2)
		 WHERE agent_id = $3 AND status = $4 AND id <> $5`,
		model.DeploymentInactive, now, d.AgentID, model.DeploymentActive, d.ID,
	); err != nil {
		return fmt.Errorf("storage: retire previous active deployment: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deployments
		 SET status = $1, provider_ref = $2, telemetry_auth_ref = $3, deployed_at = $4, finished_at = $4
		 WHERE id = $5`,
		model.DeploymentActive, providerRef, telemetryAuthRef, now, d.ID,
	); err != nil {
		return fmt.Errorf("storage: activate deployment: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agents SET active_deployment_id = $1, status = $2, updated_at = $3 WHERE id = $4`,
		d.ID, model.AgentActive, now, agent.ID,
	); err != nil {
		return fmt.Errorf("storage: point agent at deployment: %w", err)
	}

	if err := auditTx(ctx, tx, model.AuditEntry{
		TenantID:     d.TenantID,
		AgentID:      &d.AgentID,
		DeploymentID: &d.ID,
		Actor:        "worker",
		Operation:    model.AuditOpFinalizeSuccess,
		FromStatus:   string(model.DeploymentDeploying),
		ToStatus:     string(model.DeploymentActive),
		Detail:       map[string]any{"version": d.Version},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit finalize success: %w", err)
	}
	return nil
}

// FinalizeDeployFailure transitions a deploying deployment to failed. It is
// idempotent: already-failed is a no-op, anything else non-deploying is a
// stale finalize. The agent's routing pointer is never touched, so a failed
// redeploy cannot un-route traffic from the previous good version.
func (db *DB) FinalizeDeployFailure(ctx context.Context, deploymentID uuid.UUID, errorMessage string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, agent, err := lockDeploymentAndAgent(ctx, tx, deploymentID)
	if err != nil {
		return err
	}

	switch d.Status {
	case model.DeploymentFailed:
		return tx.Commit(ctx)
	case model.DeploymentDeploying:
		// Fall through.
	default:
		return ErrStaleFinalize
	}

	now := time.Now().UTC()
	msg := model.SanitizeMessage(errorMessage)
	if _, err := tx.Exec(ctx,
		`UPDATE deployments SET status = $1, error_message = $2, finished_at = $3 WHERE id = $4`,
		model.DeploymentFailed, msg, now, d.ID,
	); err != nil {
		return fmt.Errorf("storage: mark deployment failed: %w", err)
	}

	if agent.Usable() {
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3`,
			model.AgentError, now, agent.ID,
		); err != nil {
			return fmt.Errorf("storage: mark agent errored: %w", err)
		}
	}

	if err := auditTx(ctx, tx, model.AuditEntry{
		TenantID:     d.TenantID,
		AgentID:      &d.AgentID,
		DeploymentID: &d.ID,
		Actor:        "worker",
		Operation:    model.AuditOpFinalizeFailure,
		FromStatus:   string(model.DeploymentDeploying),
		ToStatus:     string(model.DeploymentFailed),
		Detail:       map[string]any{"version": d.Version, "error": msg},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit finalize failure: %w", err)
	}
	return nil
}

// ActivateDeployment flips the agent's routing pointer to a deployment that
// already reached active status. Rollback here means switching between
// deployments that each independently passed deploy health, never
// resurrecting a failed or retired record.
func (db *DB) ActivateDeployment(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID, requestID, actor string) (model.Deployment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		agentID, tenantID,
	)
	agent, err := scanAgent(row)
	if err != nil {
		return model.Deployment{}, err
	}
	if !agent.Usable() {
		return model.Deployment{}, ErrAgentUnusable
	}
	if agent.Status == model.AgentDeploying {
		return model.Deployment{}, ErrDeployInProgress
	}

	row = tx.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE id = $1 AND tenant_id = $2 AND agent_id = $3 FOR UPDATE`,
		deploymentID, tenantID, agentID,
	)
	d, err := scanDeployment(row)
	if err != nil {
		return model.Deployment{}, err
	}
	if d.Status != model.DeploymentActive {
		return model.Deployment{}, ErrNotActivatable
	}

	if agent.ActiveDeploymentID != nil && *agent.ActiveDeploymentID == d.ID {
		return d, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET active_deployment_id = $1, status = $2, updated_at = $3 WHERE id = $4`,
		d.ID, model.AgentActive, now, agent.ID,
	); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: flip active pointer: %w", err)
	}

	if err := auditTx(ctx, tx, model.AuditEntry{
		RequestID:    requestID,
		TenantID:     tenantID,
		AgentID:      &agent.ID,
		DeploymentID: &d.ID,
		Actor:        actor,
		Operation:    model.AuditOpActivate,
		FromStatus:   string(agent.Status),
		ToStatus:     string(model.AgentActive),
		Detail:       map[string]any{"version": d.Version},
	}); err != nil {
		return model.Deployment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Deployment{}, fmt.Errorf("storage: commit activate: %w", err)
	}
	return d, nil
}

// GetDeployment retrieves a deployment by ID scoped to a tenant.
func (db *DB) GetDeployment(ctx context.Context, tenantID, deploymentID uuid.UUID) (model.Deployment, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1 AND tenant_id = $2`,
		deploymentID, tenantID,
	)
	return scanDeployment(row)
}

// GetDeploymentByID retrieves a deployment without tenant scoping. Used by
// the telemetry ingest path, where the caller is authenticated by the
// deployment's own signing secret rather than a tenant token.
func (db *DB) GetDeploymentByID(ctx context.Context, deploymentID uuid.UUID) (model.Deployment, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`,
		deploymentID,
	)
	return scanDeployment(row)
}

// ListDeployments returns an agent's deployments, newest version first.
func (db *DB) ListDeployments(ctx context.Context, tenantID, agentID uuid.UUID, limit, offset int) ([]model.Deployment, int, error) {
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
		`SELECT COUNT(*) FROM deployments WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count deployments: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE tenant_id = $1 AND agent_id = $2
		 ORDER BY version DESC LIMIT $3 OFFSET $4`,
		tenantID, agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		deployments = append(deployments, d)
	}
	return deployments, total, rows.Err()
}

// lockDeploymentAndAgent locks the agent row first and the deployment row
// second, the same order as every other mutation path, then returns both.
func lockDeploymentAndAgent(ctx context.Context, tx pgx.Tx, deploymentID uuid.UUID) (model.Deployment, model.Agent, error) {
	var agentID uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT agent_id FROM deployments WHERE id = $1`, deploymentID,
	).Scan(&agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deployment{}, model.Agent{}, ErrNotFound
		}
		return model.Deployment{}, model.Agent{}, fmt.Errorf("storage: resolve deployment agent: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, agentID,
	)
	agent, err := scanAgent(row)
	if err != nil {
		return model.Deployment{}, model.Agent{}, err
	}

	row = tx.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1 FOR UPDATE`, deploymentID,
	)
	d, err := scanDeployment(row)
	if err != nil {
		return model.Deployment{}, model.Agent{}, err
	}
	return d, agent, nil
}
