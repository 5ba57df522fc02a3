package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a tenant's subscription tier. Entitlements are a pure function of
// the tier — no per-tenant overrides in v1.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Tenant owns agents, deployments, and usage transitively.
type Tenant struct {
	ID            uuid.UUID `json:"id"`
	Tier          Tier      `json:"tier"`
	TierChangedAt time.Time `json:"tier_changed_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
