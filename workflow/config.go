package workflow

import "time"

const (
	// DefaultReviewTimeout bounds how long an item may sit in
	// UNDER_REVIEW before it falls back to DRAFT.
	DefaultReviewTimeout = 72 * time.Hour

	defaultProjectionRetries    = 5
	defaultProjectionRetryDelay = 500 * time.Millisecond
)

// Config holds the recognized options for the approval engine. Invalid
// settings fail at construction, never partway through a run.
type Config struct {
	// ReviewTimeout is the silence window after which an item under
	// review auto-reverts to DRAFT. Zero selects DefaultReviewTimeout.
	ReviewTimeout time.Duration

	// MaxRevisions bounds the request-changes loop. After the budget is
	// spent a further request-changes escalates to REJECTED. Zero means
	// unbounded.
	MaxRevisions int

	// ProjectionRetries and ProjectionRetryDelay shape the backoff used
	// when the record store is unreachable during a projection. Zero
	// values select the defaults.
	ProjectionRetries    int
	ProjectionRetryDelay time.Duration
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.ReviewTimeout == 0 {
		c.ReviewTimeout = DefaultReviewTimeout
	}
	if c.ProjectionRetries == 0 {
		c.ProjectionRetries = defaultProjectionRetries
	}
	if c.ProjectionRetryDelay == 0 {
		c.ProjectionRetryDelay = defaultProjectionRetryDelay
	}
	return c
}

// Validate rejects configurations the engine cannot honor.
func (c Config) Validate() error {
	if c.ReviewTimeout < 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRevisions < 0 {
		return ErrInvalidRevisions
	}
	if c.ProjectionRetries < 0 || c.ProjectionRetryDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	return nil
}
