package content

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/wcygan/content-approval/types"
)

// ContentItem is the canonical record for an editorial item. Status is
// denormalized from the owning approval instance and is only written
// through Store.ProjectStatus; WorkflowID correlates the row 1:1 with
// that instance and is assigned once.
type ContentItem struct {
	bun.BaseModel `bun:"table:content_items,alias:ci"`

	ID         int64        `bun:"id,pk,autoincrement" json:"id"`
	Title      string       `bun:"title,notnull" json:"title"`
	Body       string       `bun:"content,notnull" json:"content"`
	AuthorID   uuid.UUID    `bun:"author_id,notnull,type:uuid" json:"author_id"`
	Status     types.Status `bun:"status,notnull,default:'DRAFT'" json:"status"`
	Tags       []string     `bun:"tags,type:jsonb" json:"tags,omitempty"`
	WorkflowID string       `bun:"workflow_id" json:"workflow_id,omitempty"`
	CreatedAt  time.Time    `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
	UpdatedAt  time.Time    `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at"`
}

// TransitionRecord is one row of the approval audit trail. The unique
// (workflow_id, seq) pair doubles as the projection idempotency key:
// replaying a transition inserts nothing and triggers no side effects.
type TransitionRecord struct {
	bun.BaseModel `bun:"table:content_transitions,alias:ctr"`

	ID         uint64       `bun:"id,pk" json:"id"`
	WorkflowID string       `bun:"workflow_id,notnull" json:"workflow_id"`
	Seq        int64        `bun:"seq,notnull" json:"seq"`
	FromStatus types.Status `bun:"from_status,notnull" json:"from_status"`
	ToStatus   types.Status `bun:"to_status,notnull" json:"to_status"`
	ReviewerID *uuid.UUID   `bun:"reviewer_id,type:uuid" json:"reviewer_id,omitempty"`
	Comment    string       `bun:"comment" json:"comment,omitempty"`
	CreatedAt  time.Time    `bun:"created_at,notnull" json:"created_at"`
}

// Projection carries one transition from the approval engine to the
// record store.
type Projection struct {
	ContentID  int64
	WorkflowID string
	Seq        int64
	EventID    uint64
	From       types.Status
	Status     types.Status
	Decision   *types.ApprovalDecision
	At         time.Time
}

// CreateRequest captures the fields supplied when creating an item.
type CreateRequest struct {
	Title    string
	Body     string
	AuthorID uuid.UUID
	Tags     []string
}

// UpdateDraftRequest captures an author's edit to a draft. Nil fields are
// left unchanged.
type UpdateDraftRequest struct {
	ID    int64
	Title *string
	Body  *string
	Tags  []string
}
