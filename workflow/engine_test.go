package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/wcygan/content-approval/content"
	"github.com/wcygan/content-approval/storage"
	"github.com/wcygan/content-approval/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// MockProjector records projections and can be told to fail.
type MockProjector struct {
	mu          sync.Mutex
	projections []content.Projection
	failing     bool
}

func (p *MockProjector) ProjectStatus(ctx context.Context, proj content.Projection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("record store unreachable")
	}
	p.projections = append(p.projections, proj)
	return nil
}

func (p *MockProjector) setFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

func (p *MockProjector) statuses() []types.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Status, len(p.projections))
	for i, proj := range p.projections {
		out[i] = proj.Status
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, store storage.Storage) (*Engine, *MockProjector) {
	t.Helper()
	projector := &MockProjector{}
	engine, err := NewEngine(cfg, store, projector, &MockGenerator{})
	assert.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})
	return engine, projector
}

func TestNewEngineValidation(t *testing.T) {
	store := storage.NewMemoryStorage()
	projector := &MockProjector{}
	generate := &MockGenerator{}

	_, err := NewEngine(Config{ReviewTimeout: -time.Hour}, store, projector, generate)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	_, err = NewEngine(Config{MaxRevisions: -1}, store, projector, generate)
	assert.ErrorIs(t, err, ErrInvalidRevisions)

	_, err = NewEngine(Config{}, nil, projector, generate)
	assert.ErrorIs(t, err, ErrStorageRequired)

	_, err = NewEngine(Config{}, store, nil, generate)
	assert.ErrorIs(t, err, ErrProjectorRequired)

	_, err = NewEngine(Config{}, store, projector, nil)
	assert.ErrorIs(t, err, ErrGeneratorRequired)
}

func TestEngineStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, projector := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	first, err := engine.Start(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "content-approval-1", first)

	second, err := engine.Start(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	// Only one instance_started projection despite two starts.
	assert.Equal(t, []types.Status{types.StatusDraft}, projector.statuses())
}

func TestEngineApprovalFlow(t *testing.T) {
	ctx := context.Background()
	engine, projector := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 1)
	assert.NoError(t, err)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusDraft, snap.Status)

	accepted, err := engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.True(t, accepted)

	snap, err = engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusUnderReview, snap.Status)
	assert.NotNil(t, snap.ReviewDeadline)

	accepted, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionApprove))
	assert.NoError(t, err)
	assert.True(t, accepted)

	snap, err = engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusPublished, snap.Status)
	assert.True(t, snap.Completed)

	// A late rejection targets a completed instance and cannot change
	// the published status.
	_, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionReject))
	assert.ErrorIs(t, err, ErrInstanceCompleted)

	snap, err = engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusPublished, snap.Status)

	assert.Equal(t, []types.Status{
		types.StatusDraft,
		types.StatusUnderReview,
		types.StatusPublished,
	}, projector.statuses())
}

func TestEngineRevisionLoop(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 2)
	assert.NoError(t, err)

	accepted, err := engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionRequestChanges))
	assert.NoError(t, err)
	assert.True(t, accepted)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusDraft, snap.Status)
	assert.Equal(t, 1, snap.Revisions)

	// The author revises and resubmits.
	accepted, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.True(t, accepted)

	snap, err = engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusUnderReview, snap.Status)
	assert.Equal(t, 1, snap.Revisions)
}

func TestEngineRevisionEscalation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{MaxRevisions: 2}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 3)
	assert.NoError(t, err)

	for cycle := 0; cycle < 2; cycle++ {
		_, err = engine.Signal(ctx, workflowID, SubmitForReview())
		assert.NoError(t, err)
		_, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionRequestChanges))
		assert.NoError(t, err)

		snap, err := engine.GetInstance(ctx, workflowID)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusDraft, snap.Status)
	}

	// Third request-changes exceeds MaxRevisions=2 and escalates.
	_, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	_, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionRequestChanges))
	assert.NoError(t, err)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusRejected, snap.Status)
	assert.True(t, snap.Completed)
}

func TestEngineStaleSubmitIgnored(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 4)
	assert.NoError(t, err)

	accepted, err := engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.True(t, accepted)

	// A retried submit is tolerated, not an error.
	accepted, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.False(t, accepted)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusUnderReview, snap.Status)
	assert.Equal(t, int64(2), snap.Seq)
}

func TestEngineStaleDecisionIgnored(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 5)
	assert.NoError(t, err)

	accepted, err := engine.Signal(ctx, workflowID, decisionSignal(types.DecisionApprove))
	assert.NoError(t, err)
	assert.False(t, accepted)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusDraft, snap.Status)
}

func TestEngineSignalUnknownInstance(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	_, err := engine.Signal(ctx, "content-approval-999", SubmitForReview())
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestEngineReviewTimeout(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{ReviewTimeout: 50 * time.Millisecond}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 6)
	assert.NoError(t, err)
	_, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := engine.GetInstance(ctx, workflowID)
		return err == nil && snap.Status == types.StatusDraft
	}, time.Second, 10*time.Millisecond)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, 1, snap.Revisions)

	log, err := storageEvents(ctx, engine, workflowID)
	assert.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, types.EventReviewTimedOut, last.Type)
	assert.NotNil(t, last.Decision)
	assert.Equal(t, uuid.Nil, last.Decision.ReviewerID)
}

func TestEngineTimerCanceledByDecision(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{ReviewTimeout: 50 * time.Millisecond}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 7)
	assert.NoError(t, err)
	_, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	_, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionApprove))
	assert.NoError(t, err)

	// Give a stale timer every chance to fire; the published status
	// must hold.
	time.Sleep(120 * time.Millisecond)
	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusPublished, snap.Status)
}

func TestEngineProjectionParksInstance(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	projector := &MockProjector{}
	engine, err := NewEngine(Config{ProjectionRetries: 1, ProjectionRetryDelay: time.Millisecond}, store, projector, &MockGenerator{})
	assert.NoError(t, err)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Stop(stopCtx)
	}()

	workflowID, err := engine.Start(ctx, 8)
	assert.NoError(t, err)

	projector.setFailing(true)
	accepted, err := engine.Signal(ctx, workflowID, SubmitForReview())
	assert.True(t, accepted)
	assert.ErrorIs(t, err, ErrProjectionStalled)

	// The transition is durably recorded even though unprojected.
	log, err := store.ListEvents(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.EventReviewRequested, log[len(log)-1].Type)

	// The parked instance refuses further work.
	_, err = engine.Signal(ctx, workflowID, decisionSignal(types.DecisionApprove))
	assert.ErrorIs(t, err, ErrProjectionStalled)
}

func TestEngineCancel(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 9)
	assert.NoError(t, err)
	_, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)

	assert.NoError(t, engine.Cancel(ctx, workflowID))

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusRejected, snap.Status)
	assert.True(t, snap.Completed)
	assert.Nil(t, snap.ReviewDeadline)
}

func TestEngineRecoverResumesInstance(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	engine1, projector1 := newTestEngine(t, Config{}, store)
	workflowID, err := engine1.Start(ctx, 10)
	assert.NoError(t, err)
	_, err = engine1.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.NoError(t, engine1.Stop(ctx))
	assert.Len(t, projector1.statuses(), 2)

	// A fresh engine over the same storage resumes from the log.
	engine2, projector2 := newTestEngine(t, Config{}, store)
	assert.NoError(t, engine2.Recover(ctx))

	snap, err := engine2.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusUnderReview, snap.Status)

	accepted, err := engine2.Signal(ctx, workflowID, decisionSignal(types.DecisionApprove))
	assert.NoError(t, err)
	assert.True(t, accepted)

	snap, err = engine2.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusPublished, snap.Status)
	assert.True(t, snap.Completed)

	// Recovery re-drove the last projection (idempotent at the record
	// store) and then projected the approval.
	assert.Equal(t, []types.Status{types.StatusUnderReview, types.StatusPublished}, projector2.statuses())
}

func TestEngineRecoverFiresOverdueTimer(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	engine1, _ := newTestEngine(t, Config{ReviewTimeout: 20 * time.Millisecond}, store)
	workflowID, err := engine1.Start(ctx, 11)
	assert.NoError(t, err)
	_, err = engine1.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.NoError(t, engine1.Stop(ctx))

	// Let the deadline lapse while no engine is running.
	time.Sleep(50 * time.Millisecond)

	engine2, _ := newTestEngine(t, Config{ReviewTimeout: 20 * time.Millisecond}, store)
	assert.NoError(t, engine2.Recover(ctx))

	assert.Eventually(t, func() bool {
		snap, err := engine2.GetInstance(ctx, workflowID)
		return err == nil && snap.Status == types.StatusDraft && snap.Revisions == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEngineRecoverSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	engine1, _ := newTestEngine(t, Config{}, store)
	workflowID, err := engine1.Start(ctx, 12)
	assert.NoError(t, err)
	_, err = engine1.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	_, err = engine1.Signal(ctx, workflowID, decisionSignal(types.DecisionReject))
	assert.NoError(t, err)
	assert.NoError(t, engine1.Stop(ctx))

	engine2, _ := newTestEngine(t, Config{}, store)
	assert.NoError(t, engine2.Recover(ctx))

	_, err = engine2.Signal(ctx, workflowID, SubmitForReview())
	assert.ErrorIs(t, err, ErrInstanceCompleted)
}

func TestEngineConcurrentSignalsAtCompletion(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, Config{}, storage.NewMemoryStorage())

	workflowID, err := engine.Start(ctx, 13)
	assert.NoError(t, err)
	_, err = engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)

	// Two reviewers decide at once. One decision completes the
	// instance; the other may land in the mailbox behind it and must
	// still get an answer instead of hanging its caller.
	signals := []Signal{
		decisionSignal(types.DecisionApprove),
		decisionSignal(types.DecisionReject),
	}
	accepted := make([]bool, len(signals))
	errs := make([]error, len(signals))
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i, sig := range signals {
		wg.Add(1)
		go func(i int, sig Signal) {
			defer wg.Done()
			<-release
			accepted[i], errs[i] = engine.Signal(ctx, workflowID, sig)
		}(i, sig)
	}
	close(release)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("a signal queued behind the completing transition was never answered")
	}

	applied := 0
	for i := range signals {
		if errs[i] == nil {
			assert.True(t, accepted[i])
			applied++
		} else {
			assert.ErrorIs(t, errs[i], ErrInstanceCompleted)
			assert.False(t, accepted[i])
		}
	}
	assert.Equal(t, 1, applied)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.True(t, snap.Completed)
}

func TestEngineStartResumesAfterLostSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	// Crash window: the seq-1 append landed but the snapshot write did
	// not. Only the log knows the instance exists.
	inserted, err := store.AppendEvent(ctx, types.TransitionEvent{
		ID:         1,
		WorkflowID: WorkflowID(14),
		Seq:        1,
		Type:       types.EventInstanceStarted,
		From:       types.StatusDraft,
		To:         types.StatusDraft,
		OccurredAt: time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.True(t, inserted)

	engine, projector := newTestEngine(t, Config{}, store)
	workflowID, err := engine.Start(ctx, 14)
	assert.NoError(t, err)

	snap, err := engine.GetInstance(ctx, workflowID)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusDraft, snap.Status)
	assert.Equal(t, []types.Status{types.StatusDraft}, projector.statuses())

	accepted, err := engine.Signal(ctx, workflowID, SubmitForReview())
	assert.NoError(t, err)
	assert.True(t, accepted)
}

func TestEngineSignalCompletedWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	workflowID := WorkflowID(15)

	// The full log of a published item, with no snapshot ever written.
	now := time.Now().UTC()
	steps := []struct {
		typ      types.EventType
		from, to types.Status
	}{
		{types.EventInstanceStarted, types.StatusDraft, types.StatusDraft},
		{types.EventReviewRequested, types.StatusDraft, types.StatusUnderReview},
		{types.EventDecisionApplied, types.StatusUnderReview, types.StatusPublished},
	}
	for i, step := range steps {
		_, err := store.AppendEvent(ctx, types.TransitionEvent{
			ID:         uint64(i + 1),
			WorkflowID: workflowID,
			Seq:        int64(i + 1),
			Type:       step.typ,
			From:       step.from,
			To:         step.to,
			OccurredAt: now,
		})
		assert.NoError(t, err)
	}

	engine, _ := newTestEngine(t, Config{}, store)
	_, err := engine.Signal(ctx, workflowID, decisionSignal(types.DecisionReject))
	assert.ErrorIs(t, err, ErrInstanceCompleted)
}

// gatedProjector blocks projections for one workflow until released.
type gatedProjector struct {
	MockProjector
	block   string
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (p *gatedProjector) ProjectStatus(ctx context.Context, proj content.Projection) error {
	if proj.WorkflowID == p.block {
		p.once.Do(func() { close(p.entered) })
		<-p.gate
	}
	return p.MockProjector.ProjectStatus(ctx, proj)
}

func TestEngineStartDoesNotBlockOtherInstances(t *testing.T) {
	ctx := context.Background()
	projector := &gatedProjector{
		block:   WorkflowID(16),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	engine, err := NewEngine(Config{}, storage.NewMemoryStorage(), projector, &MockGenerator{})
	assert.NoError(t, err)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Stop(stopCtx)
	}()

	otherID, err := engine.Start(ctx, 17)
	assert.NoError(t, err)

	started := make(chan error, 1)
	go func() {
		_, err := engine.Start(ctx, 16)
		started <- err
	}()
	<-projector.entered

	// Item 16 is stuck in its first projection; item 17 must keep
	// taking signals regardless.
	signaled := make(chan error, 1)
	go func() {
		_, err := engine.Signal(ctx, otherID, SubmitForReview())
		signaled <- err
	}()
	select {
	case err := <-signaled:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("an unrelated instance was blocked by a stalled start")
	}

	close(projector.gate)
	assert.NoError(t, <-started)
}

// storageEvents reads an instance's log through the engine's storage.
func storageEvents(ctx context.Context, e *Engine, workflowID string) ([]types.TransitionEvent, error) {
	return e.store.ListEvents(ctx, workflowID)
}
