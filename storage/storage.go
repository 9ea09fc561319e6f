package storage

import (
	"context"
	"errors"

	"github.com/wcygan/content-approval/types"
)

// Errors
var (
	ErrInstanceNotFound = errors.New("storage: instance not found")
)

// Storage persists approval instance snapshots and their transition logs.
//
// AppendEvent is the durability point of every transition: it must be
// atomic and idempotent on (WorkflowID, Seq), reporting inserted=false
// when the event was already recorded. Re-execution after a crash then
// takes the same code path as the first run and simply skips the write.
type Storage interface {
	// SaveInstance upserts an instance snapshot, maintaining the active
	// set (non-completed instances) for recovery scans.
	SaveInstance(ctx context.Context, inst types.InstanceSnapshot) error

	// GetInstance retrieves a snapshot by workflow ID.
	GetInstance(ctx context.Context, workflowID string) (types.InstanceSnapshot, error)

	// AppendEvent records a transition. Returns false if an event with
	// the same (WorkflowID, Seq) already exists.
	AppendEvent(ctx context.Context, ev types.TransitionEvent) (bool, error)

	// ListEvents returns an instance's transition log ordered by Seq.
	ListEvents(ctx context.Context, workflowID string) ([]types.TransitionEvent, error)

	// ListActive returns snapshots of all non-completed instances.
	ListActive(ctx context.Context) ([]types.InstanceSnapshot, error)
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
