package workflow

import "errors"

// Standard error definitions
var (
	ErrInstanceNotFound   = errors.New("workflow: instance not found")
	ErrInstanceCompleted  = errors.New("workflow: instance already completed")
	ErrProjectionStalled  = errors.New("workflow: projection stalled, instance parked")
	ErrEngineStopped      = errors.New("workflow: engine stopped")
	ErrGeneratorRequired  = errors.New("workflow: generator is required")
	ErrStorageRequired    = errors.New("workflow: storage is required")
	ErrProjectorRequired  = errors.New("workflow: projector is required")
	ErrInvalidTimeout     = errors.New("workflow: review timeout must be positive")
	ErrInvalidRevisions   = errors.New("workflow: max revisions must not be negative")
	ErrInvalidRetryPolicy = errors.New("workflow: projection retry settings must be positive")
	ErrUnknownSignal      = errors.New("workflow: unknown signal")
	ErrInvalidDecision    = errors.New("workflow: invalid decision")
)
