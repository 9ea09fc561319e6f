package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/wcygan/content-approval/events"
	"github.com/wcygan/content-approval/types"
)

type signalResult struct {
	accepted bool
	err      error
}

type envelope struct {
	sig   Signal
	reply chan signalResult
}

// executor is the single-threaded execution context of one approval
// instance. Every signal and timer firing for the instance flows through
// its mailbox and is handled by one goroutine, so no two transitions for
// the same item ever race and timer cancellation is just a seq check.
type executor struct {
	engine *Engine
	snap   types.InstanceSnapshot

	mailbox chan envelope
	stopCh  chan struct{}
	done    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	stopOnce sync.Once
	parked   bool
}

// stop unblocks pending senders and ends the run loop.
func (x *executor) stop() {
	x.stopOnce.Do(func() { close(x.stopCh) })
}

func newExecutor(engine *Engine, snap types.InstanceSnapshot) *executor {
	return &executor{
		engine:  engine,
		snap:    snap,
		mailbox: make(chan envelope, 16),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (x *executor) run() {
	defer x.engine.wg.Done()
	defer close(x.done)
	defer x.disarmTimer()

	for {
		select {
		case <-x.stopCh:
			return
		case env := <-x.mailbox:
			res := x.handle(env.sig)
			if env.reply != nil {
				env.reply <- res
			}
			if x.snap.Completed {
				x.engine.release(x.snap.WorkflowID)
				x.stop()
				x.drain()
				return
			}
		}
	}
}

// drain answers every envelope still queued behind the completing
// transition. Their senders are blocked on a reply and must not hang.
func (x *executor) drain() {
	for {
		select {
		case env := <-x.mailbox:
			if env.reply != nil {
				env.reply <- signalResult{false, ErrInstanceCompleted}
			}
		default:
			return
		}
	}
}

// handle applies one signal end to end: machine decision, durable log
// append, projection, snapshot save, timer and notifications.
func (x *executor) handle(sig Signal) signalResult {
	if x.parked {
		return signalResult{false, ErrProjectionStalled}
	}

	ctx := context.Background()
	out, err := x.engine.machine.Apply(x.snap, sig)
	if err != nil {
		return signalResult{false, err}
	}
	if !out.Accepted {
		x.engine.log.Warn("signal ignored",
			"workflow_id", x.snap.WorkflowID, "signal", sig.Name, "reason", out.Reason)
		return signalResult{false, nil}
	}

	id, err := x.engine.generate.NextID()
	if err != nil {
		return signalResult{false, err}
	}
	ev := types.TransitionEvent{
		ID:         id,
		WorkflowID: x.snap.WorkflowID,
		Seq:        x.snap.Seq + 1,
		Type:       out.Type,
		From:       out.From,
		To:         out.To,
		Decision:   out.Decision,
		OccurredAt: time.Now().UTC(),
	}

	// Durability point: the transition exists once the append lands.
	// inserted=false means a previous run already recorded it; the
	// idempotent projection below makes re-execution harmless.
	if _, err := x.engine.store.AppendEvent(ctx, ev); err != nil {
		return signalResult{false, err}
	}

	if err := x.engine.projectWithRetry(ctx, projection(x.snap.ContentID, ev)); err != nil {
		x.park(ev, err)
		return signalResult{true, ErrProjectionStalled}
	}

	x.snap.Status = out.To
	x.snap.Seq = ev.Seq
	x.snap.Revisions = out.Revisions
	x.snap.Completed = out.Complete
	x.snap.UpdatedAt = ev.OccurredAt
	x.snap.ReviewDeadline = nil
	if out.ArmTimer {
		deadline := ev.OccurredAt.Add(x.engine.cfg.ReviewTimeout)
		x.snap.ReviewDeadline = &deadline
	}

	// Snapshot failures are logged, not fatal: recovery rebuilds the
	// snapshot from the log.
	if err := x.engine.store.SaveInstance(ctx, x.snap); err != nil {
		x.engine.log.Error("snapshot save failed",
			"workflow_id", x.snap.WorkflowID, "seq", ev.Seq, "error", err)
	}

	if out.ArmTimer {
		x.armTimer(*x.snap.ReviewDeadline, ev.Seq)
	} else {
		x.disarmTimer()
	}

	x.engine.log.Info("transition applied",
		"workflow_id", x.snap.WorkflowID, "seq", ev.Seq,
		"from", ev.From, "to", ev.To, "event", ev.Type)
	x.notify(ev)

	return signalResult{true, nil}
}

func (x *executor) notify(ev types.TransitionEvent) {
	x.engine.publish(events.Event{
		Type:       events.TypeStatusChanged,
		WorkflowID: ev.WorkflowID,
		ContentID:  x.snap.ContentID,
		Status:     ev.To,
		Data:       map[string]interface{}{"event": string(ev.Type), "seq": ev.Seq},
	})
	switch ev.Type {
	case types.EventReviewRequested:
		x.engine.publish(events.Event{
			Type:       events.TypeReviewRequested,
			WorkflowID: ev.WorkflowID,
			ContentID:  x.snap.ContentID,
			Status:     ev.To,
		})
	case types.EventDecisionApplied, types.EventReviewTimedOut:
		data := map[string]interface{}{}
		if ev.Decision != nil {
			data["decision"] = string(ev.Decision.Decision)
			data["comment"] = ev.Decision.Comment
		}
		x.engine.publish(events.Event{
			Type:       events.TypeDecisionRecorded,
			WorkflowID: ev.WorkflowID,
			ContentID:  x.snap.ContentID,
			Status:     ev.To,
			Data:       data,
		})
	}
}

// park stops the instance at an unprojected transition. The transition
// is in the log but not in the record store; an operator (or the next
// Recover) re-drives the projection.
func (x *executor) park(ev types.TransitionEvent, cause error) {
	x.parked = true
	x.disarmTimer()
	x.engine.log.Error("projection exhausted retries, parking instance",
		"workflow_id", ev.WorkflowID, "seq", ev.Seq, "error", cause)
	x.engine.publish(events.Event{
		Type:       events.TypeProjectionStalled,
		WorkflowID: ev.WorkflowID,
		ContentID:  x.snap.ContentID,
		Status:     ev.To,
		Data:       map[string]interface{}{"seq": ev.Seq, "error": cause.Error()},
	})
}

// armTimer schedules the review timeout. The firing carries the seq at
// which it was armed; the machine discards it if the instance has moved.
func (x *executor) armTimer(deadline time.Time, seq int64) {
	x.timerMu.Lock()
	defer x.timerMu.Unlock()
	if x.timer != nil {
		x.timer.Stop()
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	x.timer = time.AfterFunc(d, func() {
		select {
		case x.mailbox <- envelope{sig: Signal{Name: signalReviewTimeout, timerSeq: seq}}:
		case <-x.stopCh:
		}
	})
}

func (x *executor) disarmTimer() {
	x.timerMu.Lock()
	defer x.timerMu.Unlock()
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
}
