package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus tracks the most recent orchestration outcome for an agent.
type AgentStatus string

const (
	AgentDraft     AgentStatus = "draft"
	AgentReady     AgentStatus = "ready"
	AgentDeploying AgentStatus = "deploying"
	AgentActive    AgentStatus = "active"
	AgentError     AgentStatus = "error"
	AgentDisabled  AgentStatus = "disabled"
	AgentDeleted   AgentStatus = "deleted"
)

// Agent is a deployable workload owned by a tenant. ActiveDeploymentID is
// the only legal routing target for invocations: the gateway never falls
// back to "most recent deployment".
type Agent struct {
	ID                 uuid.UUID   `json:"id"`
	TenantID           uuid.UUID   `json:"tenant_id"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	Status             AgentStatus `json:"status"`
	EnvKeys            []string    `json:"env_keys"` // declared env-var names, never values
	ActiveDeploymentID *uuid.UUID  `json:"active_deployment_id,omitempty"`
	RuntimeProvider    string      `json:"runtime_provider"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	DeletedAt          *time.Time  `json:"deleted_at,omitempty"`
}

// Usable reports whether the agent can accept new orchestration or traffic.
func (a Agent) Usable() bool {
	return a.DeletedAt == nil && a.Status != AgentDeleted && a.Status != AgentDisabled
}

// ValidateAgentName checks the 1-128 char name constraint.
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("name must be at most 128 characters")
	}
	return nil
}

// ValidateEnvKey checks a declared env-var name: uppercase ASCII letters,
// digits, and underscores, not starting with a digit.
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("env key must not be empty")
	}
	if len(key) > 64 {
		return fmt.Errorf("env key must be at most 64 characters")
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '_' || (c >= 'A' && c <= 'Z') {
			continue
		}
		if c >= '0' && c <= '9' {
			if i == 0 {
				return fmt.Errorf("env key must not start with a digit")
			}
			continue
		}
		return fmt.Errorf("env key contains invalid character at position %d: %q", i, c)
	}
	return nil
}
