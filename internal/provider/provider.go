// Package provider defines the runtime provider interface: the contract
// between the control plane and whatever compute actually runs deployed
// agent artifacts. Adapters deal in opaque provider refs; everything the
// orchestrator and gateway know about a runtime is expressed here.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DeployInput carries everything an adapter needs to stand up one
// deployment. The telemetry secret arrives in plaintext and must only ever
// land in the provider's native secret mechanism, never in control-plane
// storage.
type DeployInput struct {
	TenantID          uuid.UUID
	AgentID           uuid.UUID
	DeploymentID      uuid.UUID
	Artifact          []byte
	SecretNames       []string
	TelemetrySecret   []byte
	TelemetryEndpoint string
}

// DeployOutput is the provider-side handle for a successful deploy.
type DeployOutput struct {
	ProviderRef string
	LogsRef     string
}

// InvokeInput is a normalized invocation forwarded to a running deployment.
type InvokeInput struct {
	ProviderRef string
	Body        []byte
	TraceID     string
	Timeout     time.Duration
}

// InvokeOutput is the raw provider response. The adapter does not interpret
// invocation semantics; the gateway maps status codes to the error taxonomy.
type InvokeOutput struct {
	StatusCode int
	Body       []byte
}

// CleanupResult counts the provider-side resources removed.
type CleanupResult struct {
	WorkersRemoved int
	SecretsRemoved int
}

// RuntimeProvider is implemented once per runtime backend.
type RuntimeProvider interface {
	// Name returns the provider label stored on agents and deployments.
	Name() string

	// Deploy uploads the artifact and injects secrets. It must be safe to
	// retry: if resources for this deployment id already exist they are
	// updated in place, not duplicated.
	Deploy(ctx context.Context, in DeployInput) (DeployOutput, error)

	// Invoke forwards a request body to the deployed workload and returns
	// the raw status and body.
	Invoke(ctx context.Context, in InvokeInput) (InvokeOutput, error)

	// Cleanup tears down provider-side resources for a ref. It is
	// best-effort and must treat already-gone resources as success. It
	// takes the raw ref so it remains callable after the deployment row
	// is gone.
	Cleanup(ctx context.Context, providerRef string) (CleanupResult, error)

	// HealthCheck verifies the provider is reachable and credentialed.
	HealthCheck(ctx context.Context) error
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]RuntimeProvider
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(providers ...RuntimeProvider) *Registry {
	r := &Registry{providers: make(map[string]RuntimeProvider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (RuntimeProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown runtime provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
