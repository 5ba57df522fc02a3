package model

import (
	"time"

	"github.com/google/uuid"
)

// PeriodKey returns the UTC calendar-month bucket for t (YYYY-MM). Billing
// aggregation derives the period from the event's own timestamp so replaying
// the event log reproduces identical buckets.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentPeriod returns the period key for the current wall clock.
func CurrentPeriod() string {
	return PeriodKey(time.Now())
}

// RequestCounter is the hard-stop per-period request counter. Mutated only
// by the atomic reserve-and-increment in storage.
type RequestCounter struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Period   string    `json:"period"`
	Used     int64     `json:"used"`
}

// BillingUsage is the aggregated per-period usage bucket. It is a cache over
// the metrics event log, not a source of truth.
type BillingUsage struct {
	TenantID           uuid.UUID `json:"tenant_id"`
	Period             string    `json:"period"`
	Requests           int64     `json:"requests"`
	Tokens             int64     `json:"tokens"`
	ComputeMs          int64     `json:"compute_ms"`
	ToolCalls          int64     `json:"tool_calls"`
	EstimatedCostMicro int64     `json:"estimated_cost_micro"` // USD millionths
	UpdatedAt          time.Time `json:"updated_at"`
}
