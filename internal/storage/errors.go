package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDeployInProgress is returned when the single-writer rule rejects a
	// second in-flight deployment for the same agent.
	ErrDeployInProgress = errors.New("storage: deployment already in progress")

	// ErrAgentUnusable is returned when an operation targets a deleted or
	// disabled agent.
	ErrAgentUnusable = errors.New("storage: agent is deleted or disabled")

	// ErrStaleFinalize is returned when a finalize call targets a deployment
	// that is no longer in the deploying state.
	ErrStaleFinalize = errors.New("storage: deployment is not in deploying state")

	// ErrDivergentWrite is returned when a set-once field would be
	// overwritten with a different value. Byte-identical retries succeed.
	ErrDivergentWrite = errors.New("storage: divergent write to set-once field")

	// ErrNotActivatable is returned when activation targets a deployment
	// that is not currently active.
	ErrNotActivatable = errors.New("storage: deployment is not active")

	// ErrLimitExceeded is returned when an atomic request reservation would
	// pass the tier ceiling.
	ErrLimitExceeded = errors.New("storage: request limit exceeded")
)
