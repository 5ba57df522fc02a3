package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetricsEvent is an append-only usage record ingested from a running
// deployment. Rows are never updated after insert.
type MetricsEvent struct {
	ID                 uuid.UUID      `json:"id"`
	TenantID           uuid.UUID      `json:"tenant_id"`
	AgentID            uuid.UUID      `json:"agent_id"`
	DeploymentID       uuid.UUID      `json:"deployment_id"`
	RuntimeProvider    string         `json:"runtime_provider"`
	EventID            *string        `json:"event_id,omitempty"`
	TraceID            *string        `json:"trace_id,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	Requests           int64          `json:"requests"`
	Tokens             int64          `json:"tokens"`
	ComputeMs          int64          `json:"compute_ms"`
	ToolCalls          int64          `json:"tool_calls"`
	EstimatedCostMicro int64          `json:"estimated_cost_micro"`
	ErrorClass         *string        `json:"error_class,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// TelemetryReport is the JSON body a deployed workload signs and POSTs to
// /v1/telemetry/report. Identifiers must match the deployment row the
// signature was verified against — any divergence is a hard rejection.
type TelemetryReport struct {
	TenantID           uuid.UUID      `json:"tenant_id"`
	AgentID            uuid.UUID      `json:"agent_id"`
	DeploymentID       uuid.UUID      `json:"deployment_id"`
	RuntimeProvider    string         `json:"runtime_provider"`
	EventID            *string        `json:"event_id,omitempty"`
	TraceID            *string        `json:"trace_id,omitempty"`
	TimestampMs        int64          `json:"timestamp_ms"`
	Requests           int64          `json:"requests"`
	Tokens             int64          `json:"tokens"`
	ComputeMs          int64          `json:"compute_ms"`
	ToolCalls          int64          `json:"tool_calls"`
	EstimatedCostMicro int64          `json:"estimated_cost_micro"`
	ErrorClass         *string        `json:"error_class,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Validate checks structural requirements before ownership cross-checks.
func (r TelemetryReport) Validate() error {
	if r.TenantID == uuid.Nil || r.AgentID == uuid.Nil || r.DeploymentID == uuid.Nil {
		return fmt.Errorf("tenant_id, agent_id, and deployment_id are required")
	}
	if r.RuntimeProvider == "" {
		return fmt.Errorf("runtime_provider is required")
	}
	if r.TimestampMs <= 0 {
		return fmt.Errorf("timestamp_ms must be positive")
	}
	if r.Requests < 0 || r.Tokens < 0 || r.ComputeMs < 0 || r.ToolCalls < 0 || r.EstimatedCostMicro < 0 {
		return fmt.Errorf("counters must be non-negative")
	}
	return nil
}

// DedupKey returns the preferred dedup identifier: the event id when
// present, otherwise the trace id, otherwise empty (no dedup possible).
func (r TelemetryReport) DedupKey() string {
	if r.EventID != nil && *r.EventID != "" {
		return "event:" + *r.EventID
	}
	if r.TraceID != nil && *r.TraceID != "" {
		return "trace:" + *r.TraceID
	}
	return ""
}
