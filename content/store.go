package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/wcygan/content-approval/types"
)

// Store is the sqlite/postgres-backed Content Record Store. All status
// writes flow through ProjectStatus under the single-writer discipline of
// the approval engine; no other code path touches the status column.
type Store struct {
	db *bun.DB
}

// NewStore wraps an initialized bun DB.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and the indexes the review dashboards rely
// on (status, author_id, workflow_id, created_at), plus the unique
// (workflow_id, seq) constraint backing projection idempotency.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*ContentItem)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("content: create content_items: %w", err)
	}
	if _, err := s.db.NewCreateTable().
		Model((*TransitionRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("content: create content_transitions: %w", err)
	}

	indexes := []struct {
		name    string
		model   interface{}
		columns []string
		unique  bool
	}{
		{"idx_content_items_status", (*ContentItem)(nil), []string{"status"}, false},
		{"idx_content_items_author_id", (*ContentItem)(nil), []string{"author_id"}, false},
		{"idx_content_items_workflow_id", (*ContentItem)(nil), []string{"workflow_id"}, false},
		{"idx_content_items_created_at", (*ContentItem)(nil), []string{"created_at"}, false},
		{"idx_content_transitions_wf_seq", (*TransitionRecord)(nil), []string{"workflow_id", "seq"}, true},
	}
	for _, idx := range indexes {
		q := s.db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists()
		if idx.unique {
			q = q.Unique()
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("content: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// Create inserts a new item in DRAFT. The workflow correlation is
// assigned separately once the approval instance exists.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*ContentItem, error) {
	if req.Title == "" {
		return nil, ErrTitleRequired
	}
	if req.Body == "" {
		return nil, ErrBodyRequired
	}
	if req.AuthorID == uuid.Nil {
		return nil, ErrAuthorRequired
	}

	now := time.Now().UTC()
	item := &ContentItem{
		Title:     req.Title,
		Body:      req.Body,
		AuthorID:  req.AuthorID,
		Status:    types.StatusDraft,
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.NewInsert().Model(item).Exec(ctx); err != nil {
		return nil, fmt.Errorf("content: insert item: %w", err)
	}
	return item, nil
}

// AssignWorkflow sets the correlation key, exactly once.
func (s *Store) AssignWorkflow(ctx context.Context, id int64, workflowID string) error {
	res, err := s.db.NewUpdate().
		Model((*ContentItem)(nil)).
		Set("workflow_id = ?", workflowID).
		Where("id = ?", id).
		Where("workflow_id IS NULL OR workflow_id = '' OR workflow_id = ?", workflowID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("content: assign workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("content: assign workflow: %w", err)
	}
	if n == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if existing.WorkflowID != workflowID {
			return ErrWorkflowAssigned
		}
	}
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id int64) (*ContentItem, error) {
	item := new(ContentItem)
	err := s.db.NewSelect().Model(item).Where("ci.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("content: get item %d: %w", id, err)
	}
	return item, nil
}

// GetByWorkflowID retrieves the item correlated with a workflow instance.
func (s *Store) GetByWorkflowID(ctx context.Context, workflowID string) (*ContentItem, error) {
	item := new(ContentItem)
	err := s.db.NewSelect().Model(item).Where("ci.workflow_id = ?", workflowID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow_id=%s", ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("content: get item by workflow %s: %w", workflowID, err)
	}
	return item, nil
}

// UpdateDraft applies an author edit. Title, body, and tags are mutable
// only while the item sits in DRAFT.
func (s *Store) UpdateDraft(ctx context.Context, req UpdateDraftRequest) (*ContentItem, error) {
	item, err := s.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if item.Status != types.StatusDraft {
		return nil, fmt.Errorf("%w: status=%s", ErrNotEditable, item.Status)
	}

	if req.Title != nil {
		if *req.Title == "" {
			return nil, ErrTitleRequired
		}
		item.Title = *req.Title
	}
	if req.Body != nil {
		if *req.Body == "" {
			return nil, ErrBodyRequired
		}
		item.Body = *req.Body
	}
	if req.Tags != nil {
		item.Tags = req.Tags
	}
	item.UpdatedAt = time.Now().UTC()

	res, err := s.db.NewUpdate().
		Model(item).
		Column("title", "content", "tags", "updated_at").
		WherePK().
		Where("status = ?", types.StatusDraft).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("content: update draft %d: %w", req.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Status moved between read and write; the edit loses.
		return nil, fmt.Errorf("%w: id=%d", ErrNotEditable, req.ID)
	}
	return item, nil
}

// ProjectStatus applies one transition to the record: an audit insert
// keyed by (workflow_id, seq) that is ignored on conflict, then a
// last-writer-wins status update stamped with the transition time.
// Re-running the same projection changes nothing and produces no second
// audit row.
func (s *Store) ProjectStatus(ctx context.Context, p Projection) error {
	if !p.Status.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, p.Status)
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec := &TransitionRecord{
			ID:         p.EventID,
			WorkflowID: p.WorkflowID,
			Seq:        p.Seq,
			FromStatus: p.From,
			ToStatus:   p.Status,
			CreatedAt:  p.At,
		}
		if p.Decision != nil {
			reviewer := p.Decision.ReviewerID
			rec.ReviewerID = &reviewer
			rec.Comment = p.Decision.Comment
		}
		if _, err := tx.NewInsert().Model(rec).Ignore().Exec(ctx); err != nil {
			return fmt.Errorf("content: audit transition %s/%d: %w", p.WorkflowID, p.Seq, err)
		}

		res, err := tx.NewUpdate().
			Model((*ContentItem)(nil)).
			Set("status = ?", p.Status).
			Set("updated_at = ?", p.At).
			Where("id = ?", p.ContentID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("content: project status %s for item %d: %w", p.Status, p.ContentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id=%d", ErrNotFound, p.ContentID)
		}
		return nil
	})
}

// ListByStatus returns items in a given status, newest first. Backs the
// review queue.
func (s *Store) ListByStatus(ctx context.Context, status types.Status) ([]*ContentItem, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	var items []*ContentItem
	err := s.db.NewSelect().
		Model(&items).
		Where("ci.status = ?", status).
		Order("ci.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("content: list by status %s: %w", status, err)
	}
	return items, nil
}

// ListByAuthor returns an author's items, newest first.
func (s *Store) ListByAuthor(ctx context.Context, authorID uuid.UUID) ([]*ContentItem, error) {
	var items []*ContentItem
	err := s.db.NewSelect().
		Model(&items).
		Where("ci.author_id = ?", authorID).
		Order("ci.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("content: list by author %s: %w", authorID, err)
	}
	return items, nil
}

// ListTransitions returns the audit trail for one instance ordered by seq.
func (s *Store) ListTransitions(ctx context.Context, workflowID string) ([]*TransitionRecord, error) {
	var recs []*TransitionRecord
	err := s.db.NewSelect().
		Model(&recs).
		Where("ctr.workflow_id = ?", workflowID).
		Order("ctr.seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("content: list transitions %s: %w", workflowID, err)
	}
	return recs, nil
}
