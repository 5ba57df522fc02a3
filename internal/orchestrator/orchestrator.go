// Package orchestrator owns the deployment state machine: version
// assignment, the single-writer deploy rule, active-pointer routing, and
// idempotent finalization. Synchronous validation happens here; the provider
// calls themselves run in the background worker, outside any row lock.
package orchestrator

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arclight-dev/arclight/internal/artifact"
	"github.com/arclight-dev/arclight/internal/entitlements"
	"github.com/arclight-dev/arclight/internal/manifest"
	"github.com/arclight-dev/arclight/internal/model"
	"github.com/arclight-dev/arclight/internal/provider"
	"github.com/arclight-dev/arclight/internal/storage"
	"github.com/arclight-dev/arclight/internal/telemetry"
)

// Service coordinates deployment orchestration.
type Service struct {
	db        *storage.DB
	providers *provider.Registry
	artifacts artifact.Store
	validator *manifest.Validator
	logger    *slog.Logger

	deploysStarted metric.Int64Counter
}

// New creates an orchestrator Service.
func New(db *storage.DB, providers *provider.Registry, artifacts artifact.Store, validator *manifest.Validator, logger *slog.Logger) *Service {
	meter := telemetry.Meter("arclight/orchestrator")
	started, _ := meter.Int64Counter("arclight.deploys.started",
		metric.WithDescription("Deployments created"),
	)
	return &Service{
		db:             db,
		providers:      providers,
		artifacts:      artifacts,
		validator:      validator,
		logger:         logger,
		deploysStarted: started,
	}
}

// DeployInput is a validated deploy request plus its request context.
type DeployInput struct {
	Tenant    model.Tenant
	AgentID   uuid.UUID
	Request   model.DeployRequest
	RequestID string
	Actor     string
}

// Deploy validates a deploy request, persists the artifact, and creates the
// deployment record under the single-writer rule. The provider upload runs
// asynchronously; callers observe progress through the deployment status.
func (s *Service) Deploy(ctx context.Context, in DeployInput) (model.Deployment, error) {
	req := in.Request

	protocol := req.ProtocolVersion
	if protocol == "" {
		protocol = model.ProtocolV1
	}
	if !model.SupportedProtocol(protocol) {
		return model.Deployment{}, model.Ef(model.ErrCodeInvalidRequest, "unsupported protocol version %q", protocol)
	}

	agent, err := s.db.GetAgent(ctx, in.Tenant.ID, in.AgentID)
	if err != nil {
		return model.Deployment{}, err
	}

	providerName := req.RuntimeProvider
	if providerName == "" {
		providerName = agent.RuntimeProvider
	}
	if _, err := s.providers.Get(providerName); err != nil {
		return model.Deployment{}, model.Ef(model.ErrCodeInvalidRequest, "unknown runtime provider %q", providerName)
	}
	ents := entitlements.ForTier(in.Tenant.Tier)
	if !ents.ProviderAllowed(providerName) {
		return model.Deployment{}, model.Ef(model.ErrCodeForbidden, "tier %s does not permit runtime provider %q", in.Tenant.Tier, providerName)
	}

	if req.Artifact == "" {
		return model.Deployment{}, model.E(model.ErrCodeInvalidRequest, "artifact is required")
	}
	artifactBytes, err := base64.StdEncoding.DecodeString(req.Artifact)
	if err != nil {
		return model.Deployment{}, model.E(model.ErrCodeInvalidRequest, "artifact must be base64-encoded")
	}
	if len(artifactBytes) == 0 {
		return model.Deployment{}, model.E(model.ErrCodeInvalidRequest, "artifact is empty")
	}
	if len(artifactBytes) > model.MaxArtifactBytes {
		return model.Deployment{}, model.Ef(model.ErrCodeInvalidRequest, "artifact exceeds %d bytes", model.MaxArtifactBytes)
	}

	if err := s.validator.ValidateConfig(req.Config); err != nil {
		return model.Deployment{}, model.Wrap(model.ErrCodeInvalidRequest, "deploy config rejected", err)
	}

	// The artifact is stored under the deployment id before the record
	// exists. If the create below is rejected the object is orphaned, which
	// is harmless; refs are only ever reached through deployment rows.
	deploymentID := uuid.New()
	artifactRef, err := s.artifacts.Put(ctx, in.Tenant.ID, deploymentID, artifactBytes)
	if err != nil {
		return model.Deployment{}, model.Wrap(model.ErrCodeInternalError, "store artifact", err)
	}

	d, err := s.db.CreateDeployment(ctx, storage.CreateDeploymentParams{
		ID:              deploymentID,
		TenantID:        in.Tenant.ID,
		AgentID:         in.AgentID,
		ProtocolVersion: protocol,
		RuntimeProvider: providerName,
		ArtifactRef:     artifactRef,
		RequestID:       in.RequestID,
		Actor:           in.Actor,
	})
	if err != nil {
		return model.Deployment{}, err
	}

	s.deploysStarted.Add(ctx, 1)
	s.logger.Info("deployment created",
		"tenant_id", in.Tenant.ID,
		"agent_id", in.AgentID,
		"deployment_id", d.ID,
		"version", d.Version,
		"provider", providerName,
	)
	return d, nil
}

// Activate flips the agent's routing pointer to a previously active
// deployment.
func (s *Service) Activate(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID, requestID, actor string) (model.Deployment, error) {
	d, err := s.db.ActivateDeployment(ctx, tenantID, agentID, deploymentID, requestID, actor)
	if err != nil {
		return model.Deployment{}, err
	}
	s.logger.Info("deployment activated",
		"tenant_id", tenantID,
		"agent_id", agentID,
		"deployment_id", deploymentID,
		"version", d.Version,
	)
	return d, nil
}
