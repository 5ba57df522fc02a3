package model

import (
	"time"

	"github.com/google/uuid"
)

// Field limits on deploy requests. These bound what a single request can
// push into the artifact store and Postgres TEXT columns.
const (
	MaxArtifactBytes = 1 * 1024 * 1024 // 1 MB of worker source
	MaxEnvKeys       = 64
	MaxPromptLen     = 256 * 1024
	MaxMessages      = 256
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error, including whether the caller may
// usefully retry the same request.
type ErrorDetail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Details   any       `json:"details,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	APIKey   string    `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	EnvKeys         []string `json:"env_keys,omitempty"`
	RuntimeProvider string   `json:"runtime_provider,omitempty"`
}

// UpdateAgentRequest is the request body for PATCH /v1/agents/{agent_id}.
type UpdateAgentRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	EnvKeys     *[]string `json:"env_keys,omitempty"`
}

// DeployRequest is the request body for POST /v1/agents/{agent_id}/deploy.
// Artifact is the executable worker source; it is persisted to the artifact
// store before orchestration so retries never depend on this body.
type DeployRequest struct {
	Artifact        string         `json:"artifact"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	RuntimeProvider string         `json:"runtime_provider,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// Message is a single chat turn in an invocation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeRequest is the request body for POST /v1/invoke/{agent_id}.
// Exactly one of Prompt or Messages must be provided.
type InvokeRequest struct {
	Prompt          *string        `json:"prompt,omitempty"`
	Messages        []Message      `json:"messages,omitempty"`
	TraceID         *string        `json:"trace_id,omitempty"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	TimeoutMs       int            `json:"timeout_ms,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// IngestResult is the response body for POST /v1/telemetry/report.
type IngestResult struct {
	Deduped bool      `json:"deduped"`
	EventID uuid.UUID `json:"event_id"`
}

// UsageResponse is the response for GET /v1/usage/current.
type UsageResponse struct {
	Period     string       `json:"period"`
	Tier       Tier         `json:"tier"`
	Usage      BillingUsage `json:"usage"`
	Requests   int64        `json:"requests_reserved"`
	Limits     any          `json:"limits"`
	Violations any          `json:"violations,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Providers any    `json:"providers,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
