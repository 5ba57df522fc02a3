package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit operations recorded for orchestration mutations.
const (
	AuditOpCreateAgent      = "create_agent"
	AuditOpUpdateAgent      = "update_agent"
	AuditOpEnableAgent      = "enable_agent"
	AuditOpDisableAgent     = "disable_agent"
	AuditOpDeleteAgent      = "delete_agent"
	AuditOpCreateDeployment = "create_deployment"
	AuditOpFinalizeSuccess  = "finalize_success"
	AuditOpFinalizeFailure  = "finalize_failure"
	AuditOpActivate         = "activate_deployment"
)

// AuditEntry records one control-plane mutation. Entries are written in the
// same transaction as the mutation they describe.
type AuditEntry struct {
	ID           int64          `json:"id"`
	RequestID    string         `json:"request_id,omitempty"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	AgentID      *uuid.UUID     `json:"agent_id,omitempty"`
	DeploymentID *uuid.UUID     `json:"deployment_id,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Operation    string         `json:"operation"`
	FromStatus   string         `json:"from_status,omitempty"`
	ToStatus     string         `json:"to_status,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
