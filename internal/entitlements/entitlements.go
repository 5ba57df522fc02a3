// Package entitlements maps tenant tiers to usage ceilings and runtime
// capabilities. Everything here is a pure function of the tier; the only
// mutating operation (request reservation) lives in storage so it can be a
// single atomic statement.
package entitlements

import (
	"fmt"

	"github.com/arclight-dev/arclight/internal/model"
)

// Unlimited marks a ceiling that is not enforced.
const Unlimited int64 = 0

// Entitlements are the per-period ceilings and capabilities for a tier.
// Request ceilings are hard stops enforced at reservation time; token,
// compute, and tool-call ceilings are soft stops enforced against the
// telemetry-aggregated bucket (so they lag ingestion by design).
type Entitlements struct {
	RequestsPerPeriod  int64
	TokensPerPeriod    int64
	ComputeMsPerPeriod int64
	ToolCallsPerPeriod int64
	Providers          map[string]bool
	RetentionDays      int
}

// ProviderAllowed reports whether the tier may target the named runtime.
func (e Entitlements) ProviderAllowed(name string) bool {
	return e.Providers[name]
}

// ForTier returns the entitlements for a tier. Unknown tiers get the free
// tier's limits — fail closed on ceilings, never open.
func ForTier(tier model.Tier) Entitlements {
	switch tier {
	case model.TierPro:
		return Entitlements{
			RequestsPerPeriod:  250_000,
			TokensPerPeriod:    50_000_000,
			ComputeMsPerPeriod: 500_000_000,
			ToolCallsPerPeriod: 1_000_000,
			Providers:          map[string]bool{"edgeworker": true},
			RetentionDays:      90,
		}
	case model.TierEnterprise:
		return Entitlements{
			RequestsPerPeriod:  Unlimited,
			TokensPerPeriod:    Unlimited,
			ComputeMsPerPeriod: Unlimited,
			ToolCallsPerPeriod: Unlimited,
			Providers:          map[string]bool{"edgeworker": true},
			RetentionDays:      365,
		}
	default:
		return Entitlements{
			RequestsPerPeriod:  5_000,
			TokensPerPeriod:    1_000_000,
			ComputeMsPerPeriod: 10_000_000,
			ToolCallsPerPeriod: 20_000,
			Providers:          map[string]bool{"edgeworker": true},
			RetentionDays:      30,
		}
	}
}

// Violation names one exceeded ceiling.
type Violation struct {
	Limit    string `json:"limit"`
	Ceiling  int64  `json:"ceiling"`
	Observed int64  `json:"observed"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %d/%d", v.Limit, v.Observed, v.Ceiling)
}

// Check compares observed aggregated usage against the tier's soft ceilings.
// Pure comparison, no I/O. The request ceiling is deliberately absent here:
// requests are enforced atomically at reservation time, not after the fact.
func Check(e Entitlements, usage model.BillingUsage) []Violation {
	var violations []Violation
	if e.TokensPerPeriod != Unlimited && usage.Tokens >= e.TokensPerPeriod {
		violations = append(violations, Violation{Limit: "tokens", Ceiling: e.TokensPerPeriod, Observed: usage.Tokens})
	}
	if e.ComputeMsPerPeriod != Unlimited && usage.ComputeMs >= e.ComputeMsPerPeriod {
		violations = append(violations, Violation{Limit: "compute_ms", Ceiling: e.ComputeMsPerPeriod, Observed: usage.ComputeMs})
	}
	if e.ToolCallsPerPeriod != Unlimited && usage.ToolCalls >= e.ToolCallsPerPeriod {
		violations = append(violations, Violation{Limit: "tool_calls", Ceiling: e.ToolCallsPerPeriod, Observed: usage.ToolCalls})
	}
	return violations
}
