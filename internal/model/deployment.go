package model

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus is the deployment lifecycle state. A deployment is
// created in deploying, transitions exactly once to active or failed, and
// may later flip active → inactive only when a different deployment for the
// same agent becomes active.
type DeploymentStatus string

const (
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentActive    DeploymentStatus = "active"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentInactive  DeploymentStatus = "inactive"
)

// ProtocolV1 is the only invocation protocol tag this control plane speaks.
const ProtocolV1 = "v1"

// SupportedProtocol reports whether the gateway can serve the given tag.
func SupportedProtocol(tag string) bool { return tag == ProtocolV1 }

// Deployment is an immutable versioned rollout of an agent onto a runtime
// provider. After creation only Status, ProviderRef, TelemetryAuthRef,
// ErrorMessage, LogsRef, and the deploy/finish timestamps may change;
// ProviderRef and TelemetryAuthRef are set-once (idempotent retries must
// write byte-identical values).
type Deployment struct {
	ID               uuid.UUID        `json:"id"`
	TenantID         uuid.UUID        `json:"tenant_id"`
	AgentID          uuid.UUID        `json:"agent_id"`
	Version          int              `json:"version"`
	ProtocolVersion  string           `json:"protocol_version"`
	RuntimeProvider  string           `json:"runtime_provider"`
	Status           DeploymentStatus `json:"status"`
	ArtifactRef      string           `json:"artifact_ref"`
	ProviderRef      *string          `json:"provider_ref,omitempty"`
	TelemetryAuthRef *string          `json:"-"` // encrypted envelope, never serialized to clients
	ErrorMessage     *string          `json:"error_message,omitempty"`
	LogsRef          *string          `json:"logs_ref,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	DeployedAt       *time.Time       `json:"deployed_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
}
