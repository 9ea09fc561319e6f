// Package gateway receives external editorial actions and forwards them
// as signals to the approval instance correlated with the content item.
// Delivery downstream is at-least-once; the engine tolerates duplicates,
// the gateway only resolves each action to accepted, ignored, or
// not-found for its caller.
package gateway

import (
	"context"
	"errors"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"github.com/wcygan/content-approval/content"
	"github.com/wcygan/content-approval/types"
	"github.com/wcygan/content-approval/workflow"
)

// ErrNotFound indicates the content item does not exist or its approval
// instance is already terminal. Callers must not retry.
var ErrNotFound = errors.New("gateway: content item not found")

// Resolution is the outcome of one forwarded action.
type Resolution string

const (
	// ResolutionAccepted: the instance applied the transition.
	ResolutionAccepted Resolution = "accepted"
	// ResolutionIgnored: the signal was stale for the current state.
	ResolutionIgnored Resolution = "ignored"
	// ResolutionNotFound: no live instance to deliver to.
	ResolutionNotFound Resolution = "not_found"
)

// ContentStore is the slice of the record store the gateway needs.
type ContentStore interface {
	Create(ctx context.Context, req content.CreateRequest) (*content.ContentItem, error)
	Get(ctx context.Context, id int64) (*content.ContentItem, error)
	AssignWorkflow(ctx context.Context, id int64, workflowID string) error
}

// Engine is the slice of the approval engine the gateway needs.
type Engine interface {
	Start(ctx context.Context, contentID int64) (string, error)
	Signal(ctx context.Context, workflowID string, sig workflow.Signal) (bool, error)
}

// Gateway resolves content ids to workflow instances and forwards
// actions.
type Gateway struct {
	store  ContentStore
	engine Engine
	log    glog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger replaces the default console logger.
func WithLogger(log glog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// New wires a Gateway.
func New(store ContentStore, engine Engine, options ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		engine: engine,
		log:    glog.NewLogger(glog.WithLoggerTypeConsole()),
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// CreateContent creates the record in DRAFT, starts its approval
// instance, and stores the correlation key on the row. The 1:1 mapping
// is established here and never reassigned.
func (g *Gateway) CreateContent(ctx context.Context, req content.CreateRequest) (*content.ContentItem, error) {
	item, err := g.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	workflowID, err := g.engine.Start(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("gateway: start approval for item %d: %w", item.ID, err)
	}
	if err := g.store.AssignWorkflow(ctx, item.ID, workflowID); err != nil {
		return nil, err
	}
	item.WorkflowID = workflowID
	g.log.Info("content created", "content_id", item.ID, "workflow_id", workflowID)
	return item, nil
}

// SubmitForReview forwards an author's submission.
func (g *Gateway) SubmitForReview(ctx context.Context, contentID int64) (Resolution, error) {
	return g.forward(ctx, contentID, workflow.SubmitForReview())
}

// Approve forwards an approval decision.
func (g *Gateway) Approve(ctx context.Context, contentID int64, reviewerID uuid.UUID, comment string) (Resolution, error) {
	return g.decide(ctx, contentID, types.DecisionApprove, reviewerID, comment)
}

// Reject forwards a rejection decision.
func (g *Gateway) Reject(ctx context.Context, contentID int64, reviewerID uuid.UUID, comment string) (Resolution, error) {
	return g.decide(ctx, contentID, types.DecisionReject, reviewerID, comment)
}

// RequestChanges forwards a request-changes decision, returning the item
// to its author for another revision.
func (g *Gateway) RequestChanges(ctx context.Context, contentID int64, reviewerID uuid.UUID, comment string) (Resolution, error) {
	return g.decide(ctx, contentID, types.DecisionRequestChanges, reviewerID, comment)
}

// Withdraw cancels the approval instance for an item.
func (g *Gateway) Withdraw(ctx context.Context, contentID int64) (Resolution, error) {
	return g.forward(ctx, contentID, workflow.Withdraw())
}

func (g *Gateway) decide(ctx context.Context, contentID int64, decision types.Decision, reviewerID uuid.UUID, comment string) (Resolution, error) {
	return g.forward(ctx, contentID, workflow.RecordDecision(types.ApprovalDecision{
		Decision:   decision,
		ReviewerID: reviewerID,
		Comment:    comment,
	}))
}

func (g *Gateway) forward(ctx context.Context, contentID int64, sig workflow.Signal) (Resolution, error) {
	item, err := g.store.Get(ctx, contentID)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return ResolutionNotFound, fmt.Errorf("%w: id=%d", ErrNotFound, contentID)
		}
		return ResolutionNotFound, err
	}
	if item.WorkflowID == "" {
		return ResolutionNotFound, fmt.Errorf("%w: item %d has no approval instance", ErrNotFound, contentID)
	}

	accepted, err := g.engine.Signal(ctx, item.WorkflowID, sig)
	switch {
	case err == nil && accepted:
		return ResolutionAccepted, nil
	case err == nil:
		g.log.Info("action ignored as stale", "content_id", contentID, "signal", sig.Name)
		return ResolutionIgnored, nil
	case errors.Is(err, workflow.ErrInstanceCompleted), errors.Is(err, workflow.ErrInstanceNotFound):
		return ResolutionNotFound, fmt.Errorf("%w: id=%d", ErrNotFound, contentID)
	default:
		return ResolutionNotFound, err
	}
}
