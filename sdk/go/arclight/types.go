package arclight

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent is a deployable agent identity owned by a tenant.
type Agent struct {
	ID                 uuid.UUID  `json:"id"`
	TenantID           uuid.UUID  `json:"tenant_id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Status             string     `json:"status"`
	EnvKeys            []string   `json:"env_keys"`
	ActiveDeploymentID *uuid.UUID `json:"active_deployment_id,omitempty"`
	RuntimeProvider    string     `json:"runtime_provider"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CreateAgentRequest is the request body for creating an agent.
type CreateAgentRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	EnvKeys         []string `json:"env_keys,omitempty"`
	RuntimeProvider string   `json:"runtime_provider,omitempty"`
}

// UpdateAgentRequest is the request body for updating an agent. Nil fields
// are left unchanged.
type UpdateAgentRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	EnvKeys     *[]string `json:"env_keys,omitempty"`
}

// Deployment is one immutable versioned rollout of an agent.
type Deployment struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	AgentID         uuid.UUID  `json:"agent_id"`
	Version         int        `json:"version"`
	ProtocolVersion string     `json:"protocol_version"`
	RuntimeProvider string     `json:"runtime_provider"`
	Status          string     `json:"status"`
	ProviderRef     *string    `json:"provider_ref,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	LogsRef         *string    `json:"logs_ref,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DeployedAt      *time.Time `json:"deployed_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Deployment status values.
const (
	DeploymentDeploying = "deploying"
	DeploymentActive    = "active"
	DeploymentFailed    = "failed"
	DeploymentInactive  = "inactive"
)

// DeployInput describes a new rollout. Artifact is the raw worker source;
// the client base64-encodes it on the wire.
type DeployInput struct {
	Artifact        []byte
	ProtocolVersion string
	RuntimeProvider string
	Config          map[string]any
}

// Message is one turn of a structured conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeRequest is the request body for invoking a deployed agent.
type InvokeRequest struct {
	Prompt          *string        `json:"prompt,omitempty"`
	Messages        []Message      `json:"messages,omitempty"`
	TraceID         *string        `json:"trace_id,omitempty"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	TimeoutMs       int            `json:"timeout_ms,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// InvokeResult is a completed synchronous invocation. Body is the raw
// response produced by the deployed agent.
type InvokeResult struct {
	TraceID string
	Body    json.RawMessage
}

// StreamEvent is one server-sent event from a streaming invocation. The
// event order is meta, then deltas, then an optional usage event, then
// exactly one done or error event.
type StreamEvent struct {
	Type string
	Data json.RawMessage
}

// Stream event types.
const (
	EventMeta  = "meta"
	EventDelta = "delta"
	EventUsage = "usage"
	EventDone  = "done"
	EventError = "error"
)

// BillingUsage is the aggregated usage for one billing period.
type BillingUsage struct {
	Requests           int64     `json:"requests"`
	Tokens             int64     `json:"tokens"`
	ComputeMs          int64     `json:"compute_ms"`
	ToolCalls          int64     `json:"tool_calls"`
	EstimatedCostMicro int64     `json:"estimated_cost_micro"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UsageResponse is the current-period usage snapshot.
type UsageResponse struct {
	Period     string           `json:"period"`
	Tier       string           `json:"tier"`
	Usage      BillingUsage     `json:"usage"`
	Requests   int64            `json:"requests_reserved"`
	Limits     map[string]int64 `json:"limits"`
	Violations []Violation      `json:"violations,omitempty"`
}

// Violation names one exceeded usage ceiling.
type Violation struct {
	Limit    string `json:"limit"`
	Ceiling  int64  `json:"ceiling"`
	Observed int64  `json:"observed"`
}

// MetricsEvent is one raw telemetry event.
type MetricsEvent struct {
	ID              uuid.UUID `json:"id"`
	AgentID         uuid.UUID `json:"agent_id"`
	DeploymentID    uuid.UUID `json:"deployment_id"`
	RuntimeProvider string    `json:"runtime_provider"`
	TraceID         *string   `json:"trace_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Requests        int64     `json:"requests"`
	Tokens          int64     `json:"tokens"`
	ComputeMs       int64     `json:"compute_ms"`
	ToolCalls       int64     `json:"tool_calls"`
	ErrorClass      *string   `json:"error_class,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// TelemetryReport is a usage report submitted by a running deployment.
type TelemetryReport struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	AgentID         uuid.UUID `json:"agent_id"`
	DeploymentID    uuid.UUID `json:"deployment_id"`
	RuntimeProvider string    `json:"runtime_provider"`
	EventID         *string   `json:"event_id,omitempty"`
	TraceID         *string   `json:"trace_id,omitempty"`
	TimestampMs     int64     `json:"timestamp_ms"`
	Requests        int64     `json:"requests"`
	Tokens          int64     `json:"tokens"`
	ComputeMs       int64     `json:"compute_ms"`
	ToolCalls       int64     `json:"tool_calls"`
	ErrorClass      *string   `json:"error_class,omitempty"`
}

// IngestResult is the server's acknowledgement of a telemetry report.
type IngestResult struct {
	EventID uuid.UUID `json:"event_id"`
	Deduped bool      `json:"deduped"`
}

// HealthResponse is the server's health status.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Postgres  string            `json:"postgres"`
	Providers map[string]string `json:"providers,omitempty"`
	Uptime    int64             `json:"uptime_seconds"`
}

// Page holds pagination fields shared by list responses.
type Page struct {
	HasMore bool
	Limit   int
	Offset  int
}

// ListOptions control pagination for list endpoints.
type ListOptions struct {
	Limit  int
	Offset int
}
