package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/wcygan/content-approval/content"
	"github.com/wcygan/content-approval/types"
)

// Projector writes the machine's logical state into externally queryable
// storage. Implementations must be idempotent on (WorkflowID, Seq):
// durable re-execution may replay a projection that already ran.
// *content.Store is the production implementation.
type Projector interface {
	ProjectStatus(ctx context.Context, p content.Projection) error
}

// projection builds the record-store write for one transition event.
func projection(contentID int64, ev types.TransitionEvent) content.Projection {
	return content.Projection{
		ContentID:  contentID,
		WorkflowID: ev.WorkflowID,
		Seq:        ev.Seq,
		EventID:    ev.ID,
		From:       ev.From,
		Status:     ev.To,
		Decision:   ev.Decision,
		At:         ev.OccurredAt,
	}
}

// projectWithRetry drives one projection to completion with exponential
// backoff. The caller must not advance the instance past the transition
// until this returns nil; exhausting the budget parks the instance.
func (e *Engine) projectWithRetry(ctx context.Context, p content.Projection) error {
	delay := e.cfg.ProjectionRetryDelay
	var lastErr error
	for attempt := 0; attempt <= e.cfg.ProjectionRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := e.projector.ProjectStatus(ctx, p)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < e.cfg.ProjectionRetries {
			e.log.Warn("projection attempt failed, retrying",
				"workflow_id", p.WorkflowID, "seq", p.Seq, "attempt", attempt+1, "error", lastErr)
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("projection failed after %d attempts: %w", e.cfg.ProjectionRetries+1, lastErr)
}
