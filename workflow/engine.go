package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/songzhibin97/gkit/generator"

	"github.com/wcygan/content-approval/events"
	"github.com/wcygan/content-approval/rules"
	"github.com/wcygan/content-approval/storage"
	"github.com/wcygan/content-approval/types"
)

// WorkflowID derives the correlation key for a content item. The mapping
// is deterministic, so starting the same item twice targets the same
// instance and duplicate starts collapse into already-running.
func WorkflowID(contentID int64) string {
	return fmt.Sprintf("content-approval-%d", contentID)
}

// Engine hosts the durable approval instances. Each live instance runs
// on its own serialized executor; the engine routes signals to it,
// recovers instances from the transition log after a restart, and owns
// nothing mutable beyond the executor registry.
type Engine struct {
	cfg       Config
	machine   *Machine
	store     storage.Storage
	projector Projector
	generate  generator.Generator
	bus       *events.Bus
	log       glog.Logger

	mu        sync.RWMutex
	executors map[string]*executor
	stopped   bool
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus attaches a notification bus. The engine publishes to it
// but does not own its lifecycle.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger replaces the default console logger.
func WithLogger(log glog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithEvaluator replaces the default guard evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) { e.machine = NewMachine(e.cfg, evaluator) }
}

// NewEngine validates the configuration and wires the engine. Invalid
// configuration fails here, never partway through an instance.
func NewEngine(cfg Config, store storage.Storage, projector Projector, generate generator.Generator, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStorageRequired
	}
	if projector == nil {
		return nil, ErrProjectorRequired
	}
	if generate == nil {
		return nil, ErrGeneratorRequired
	}

	e := &Engine{
		cfg:       cfg.withDefaults(),
		store:     store,
		projector: projector,
		generate:  generate,
		log:       glog.NewLogger(glog.WithLoggerTypeConsole()),
		executors: make(map[string]*executor),
	}
	e.machine = NewMachine(e.cfg, nil)
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// Start creates the approval instance for a content item in DRAFT and
// returns its workflow ID. Starting an item that already has an instance
// is treated as success: the caller gets the same ID back.
func (e *Engine) Start(ctx context.Context, contentID int64) (string, error) {
	workflowID := WorkflowID(contentID)

	e.mu.RLock()
	_, running := e.executors[workflowID]
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return "", ErrEngineStopped
	}
	if running {
		e.log.Info("instance already running", "workflow_id", workflowID)
		return workflowID, nil
	}

	// A snapshot without a live executor means the process restarted;
	// resume instead of starting over.
	if snap, err := e.store.GetInstance(ctx, workflowID); err == nil {
		if snap.Completed {
			return workflowID, nil
		}
		return workflowID, e.resume(ctx, workflowID, snap.ContentID)
	} else if !errors.Is(err, storage.ErrInstanceNotFound) {
		return "", err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	ev := types.TransitionEvent{
		ID:         id,
		WorkflowID: workflowID,
		Seq:        1,
		Type:       types.EventInstanceStarted,
		From:       types.StatusDraft,
		To:         types.StatusDraft,
		OccurredAt: now,
	}
	inserted, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return "", err
	}
	if !inserted {
		// The log already has seq 1: either a concurrent caller won the
		// race, or a previous run crashed before writing its snapshot.
		// Either way the log is authoritative; rebuild from it.
		e.log.Info("instance already started elsewhere", "workflow_id", workflowID)
		return workflowID, e.resume(ctx, workflowID, contentID)
	}

	if err := e.projectWithRetry(ctx, projection(contentID, ev)); err != nil {
		return "", err
	}

	snap := types.InstanceSnapshot{
		WorkflowID: workflowID,
		ContentID:  contentID,
		Status:     types.StatusDraft,
		Seq:        1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.SaveInstance(ctx, snap); err != nil {
		return "", err
	}

	if _, _, err := e.spawn(snap); err != nil {
		return "", err
	}
	e.log.Info("instance started", "workflow_id", workflowID, "content_id", contentID)
	return workflowID, nil
}

// Signal delivers one signal to a running instance. The boolean reports
// whether the instance accepted it; stale signals come back (false, nil)
// because at-least-once delivery makes them routine, not errors.
func (e *Engine) Signal(ctx context.Context, workflowID string, sig Signal) (bool, error) {
	e.mu.RLock()
	x, ok := e.executors[workflowID]
	stopped := e.stopped
	e.mu.RUnlock()

	if !ok {
		if stopped {
			return false, ErrEngineStopped
		}
		return false, e.classifyMissing(ctx, workflowID)
	}

	reply := make(chan signalResult, 1)
	select {
	case x.mailbox <- envelope{sig: sig, reply: reply}:
	case <-x.done:
		return false, e.classifyMissing(ctx, workflowID)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.accepted, res.err
	case <-x.done:
		// The executor exited between the buffered send and the reply.
		// It may still have answered; prefer that answer if present.
		select {
		case res := <-reply:
			return res.accepted, res.err
		default:
		}
		return false, e.classifyMissing(ctx, workflowID)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Cancel withdraws an instance: the pending timer is disarmed and the
// item lands in REJECTED rather than being silently abandoned.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	_, err := e.Signal(ctx, workflowID, Withdraw())
	return err
}

// GetInstance returns the persisted snapshot of an instance.
func (e *Engine) GetInstance(ctx context.Context, workflowID string) (types.InstanceSnapshot, error) {
	snap, err := e.store.GetInstance(ctx, workflowID)
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return types.InstanceSnapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, workflowID)
	}
	return snap, err
}

// Recover rebuilds every non-completed instance from its transition log:
// the last projection is re-driven (idempotent), the snapshot is
// refreshed, and a pending review timer is re-armed from the persisted
// deadline, firing immediately when already past due.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, snap := range active {
		e.mu.RLock()
		stopped := e.stopped
		e.mu.RUnlock()
		if stopped {
			return ErrEngineStopped
		}
		if err := e.resume(ctx, snap.WorkflowID, snap.ContentID); err != nil {
			return fmt.Errorf("recover %s: %w", snap.WorkflowID, err)
		}
	}
	return nil
}

// resume rebuilds one instance from its transition log, re-drives the
// last projection, refreshes the snapshot, and spawns its executor. It
// needs no stored snapshot: the log alone is authoritative, so a crash
// between the log append and the snapshot write still resumes. Runs
// without e.mu held; projection backoff on one instance must not stall
// signal delivery to the others.
func (e *Engine) resume(ctx context.Context, workflowID string, contentID int64) error {
	e.mu.RLock()
	_, running := e.executors[workflowID]
	e.mu.RUnlock()
	if running {
		return nil
	}

	log, err := e.store.ListEvents(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(log) == 0 {
		return fmt.Errorf("%w: %s has no transition log", ErrInstanceNotFound, workflowID)
	}

	snap := e.machine.Replay(workflowID, contentID, log)

	// The crash may have landed between the log append and the
	// projection; re-driving the last projection is a no-op otherwise.
	last := log[len(log)-1]
	if err := e.projectWithRetry(ctx, projection(contentID, last)); err != nil {
		return err
	}
	if err := e.store.SaveInstance(ctx, snap); err != nil {
		return err
	}
	if snap.Completed {
		return nil
	}

	x, created, err := e.spawn(snap)
	if err != nil {
		return err
	}
	if created && snap.ReviewDeadline != nil {
		x.armTimer(*snap.ReviewDeadline, snap.Seq)
	}
	e.log.Info("instance recovered",
		"workflow_id", snap.WorkflowID, "status", snap.Status, "seq", snap.Seq)
	return nil
}

// spawn registers and starts an executor unless one is already live.
// The boolean reports whether this call created it.
func (e *Engine) spawn(snap types.InstanceSnapshot) (*executor, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, false, ErrEngineStopped
	}
	if x, ok := e.executors[snap.WorkflowID]; ok {
		return x, false, nil
	}
	x := newExecutor(e, snap)
	e.executors[snap.WorkflowID] = x
	e.wg.Add(1)
	go x.run()
	return x, true, nil
}

// release drops a completed instance from the registry.
func (e *Engine) release(workflowID string) {
	e.mu.Lock()
	delete(e.executors, workflowID)
	e.mu.Unlock()
}

// classifyMissing distinguishes a terminal instance from one that never
// existed. The snapshot may be missing or stale after a crash, so the
// transition log gets the final word.
func (e *Engine) classifyMissing(ctx context.Context, workflowID string) error {
	if snap, err := e.store.GetInstance(ctx, workflowID); err == nil && snap.Completed {
		return ErrInstanceCompleted
	}
	if log, err := e.store.ListEvents(ctx, workflowID); err == nil && len(log) > 0 {
		if e.machine.Replay(workflowID, 0, log).Completed {
			return ErrInstanceCompleted
		}
	}

	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return ErrEngineStopped
	}
	return fmt.Errorf("%w: %s", ErrInstanceNotFound, workflowID)
}

func (e *Engine) publish(event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), event); err != nil {
		e.log.Warn("event publish failed", "type", event.Type, "workflow_id", event.WorkflowID, "error", err)
	}
}

// Stop halts all executors and waits for them to drain. Instances stay
// durable in storage; a later Recover resumes them.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	executors := make([]*executor, 0, len(e.executors))
	for _, x := range e.executors {
		executors = append(executors, x)
	}
	e.executors = make(map[string]*executor)
	e.mu.Unlock()

	for _, x := range executors {
		x.stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
