package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wcygan/content-approval/rules"
	"github.com/wcygan/content-approval/types"
)

// signalReviewTimeout is generated internally by the timer; external
// callers cannot send it.
const signalReviewTimeout = "review_timeout"

// revisionGuard decides whether a request-changes loop stays within its
// budget. A zero budget means unbounded.
const revisionGuard = "max_revisions == 0 || revisions <= max_revisions"

// Signal is one stimulus delivered to an approval instance.
type Signal struct {
	Name     string
	Decision *types.ApprovalDecision

	// timerSeq is the instance Seq at which a review timer was armed.
	// A firing whose timerSeq no longer matches the live Seq is stale
	// and must be discarded.
	timerSeq int64
}

// SubmitForReview builds the signal that moves a draft into review.
func SubmitForReview() Signal {
	return Signal{Name: types.SignalSubmitForReview}
}

// RecordDecision builds the signal carrying a reviewer's verdict.
func RecordDecision(decision types.ApprovalDecision) Signal {
	return Signal{Name: types.SignalRecordDecision, Decision: &decision}
}

// Withdraw builds the signal that cancels an instance.
func Withdraw() Signal {
	return Signal{Name: types.SignalWithdraw}
}

// Outcome describes what one signal does to one instance. Rejected
// (stale) signals carry a Reason and change nothing; accepted ones name
// the transition the executor must record, project, and act on.
type Outcome struct {
	Accepted bool
	Reason   string

	Type      types.EventType
	From      types.Status
	To        types.Status
	Decision  *types.ApprovalDecision
	Revisions int
	ArmTimer  bool
	Complete  bool
}

// Machine is the pure approval state machine: it maps (snapshot, signal)
// to an Outcome and performs no I/O. All durability and serialization
// live in the executor around it.
type Machine struct {
	cfg       Config
	evaluator rules.Evaluator
}

// NewMachine builds a Machine with the given configuration and guard
// evaluator.
func NewMachine(cfg Config, evaluator rules.Evaluator) *Machine {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	return &Machine{cfg: cfg.withDefaults(), evaluator: evaluator}
}

// Apply computes the successor for one signal. Undefined (state, signal)
// pairs yield a non-accepted Outcome, never an error: at-least-once
// delivery makes duplicates and stale arrivals routine.
func (m *Machine) Apply(snap types.InstanceSnapshot, sig Signal) (Outcome, error) {
	if snap.Completed {
		return ignored(fmt.Sprintf("instance already completed in %s", snap.Status)), nil
	}

	switch sig.Name {
	case types.SignalSubmitForReview:
		return m.applySubmit(snap)
	case types.SignalRecordDecision:
		return m.applyDecision(snap, sig)
	case signalReviewTimeout:
		return m.applyTimeout(snap, sig)
	case types.SignalWithdraw:
		return m.applyWithdraw(snap)
	default:
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSignal, sig.Name)
	}
}

func (m *Machine) applySubmit(snap types.InstanceSnapshot) (Outcome, error) {
	if snap.Status != types.StatusDraft {
		return ignored(fmt.Sprintf("submit while %s, not DRAFT", snap.Status)), nil
	}
	return Outcome{
		Accepted:  true,
		Type:      types.EventReviewRequested,
		From:      snap.Status,
		To:        types.StatusUnderReview,
		Revisions: snap.Revisions,
		ArmTimer:  true,
	}, nil
}

func (m *Machine) applyDecision(snap types.InstanceSnapshot, sig Signal) (Outcome, error) {
	if sig.Decision == nil || !sig.Decision.Decision.IsValid() {
		return Outcome{}, ErrInvalidDecision
	}
	if snap.Status != types.StatusUnderReview {
		return ignored(fmt.Sprintf("decision %s while %s, not UNDER_REVIEW", sig.Decision.Decision, snap.Status)), nil
	}

	switch sig.Decision.Decision {
	case types.DecisionApprove:
		return Outcome{
			Accepted:  true,
			Type:      types.EventDecisionApplied,
			From:      snap.Status,
			To:        types.StatusPublished,
			Decision:  sig.Decision,
			Revisions: snap.Revisions,
			Complete:  true,
		}, nil
	case types.DecisionReject:
		return Outcome{
			Accepted:  true,
			Type:      types.EventDecisionApplied,
			From:      snap.Status,
			To:        types.StatusRejected,
			Decision:  sig.Decision,
			Revisions: snap.Revisions,
			Complete:  true,
		}, nil
	default:
		return m.applyRequestChanges(snap, types.EventDecisionApplied, sig.Decision)
	}
}

// applyRequestChanges handles both an explicit request-changes decision
// and a review timeout, which is treated identically. The revision guard
// decides between the revision loop and escalation to REJECTED.
func (m *Machine) applyRequestChanges(snap types.InstanceSnapshot, eventType types.EventType, decision *types.ApprovalDecision) (Outcome, error) {
	revisions := snap.Revisions + 1
	within, err := m.evaluator.Evaluate(revisionGuard, map[string]interface{}{
		"revisions":     revisions,
		"max_revisions": m.cfg.MaxRevisions,
	})
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Accepted:  true,
		Type:      eventType,
		From:      snap.Status,
		Decision:  decision,
		Revisions: revisions,
	}
	if within {
		out.To = types.StatusDraft
	} else {
		out.To = types.StatusRejected
		out.Complete = true
	}
	return out, nil
}

func (m *Machine) applyTimeout(snap types.InstanceSnapshot, sig Signal) (Outcome, error) {
	if snap.Status != types.StatusUnderReview {
		return ignored(fmt.Sprintf("timeout fired while %s, not UNDER_REVIEW", snap.Status)), nil
	}
	if sig.timerSeq != snap.Seq {
		return ignored(fmt.Sprintf("timeout armed at seq %d, instance now at seq %d", sig.timerSeq, snap.Seq)), nil
	}
	return m.applyRequestChanges(snap, types.EventReviewTimedOut, &types.ApprovalDecision{
		Decision:   types.DecisionRequestChanges,
		ReviewerID: uuid.Nil,
		Comment:    fmt.Sprintf("no review decision within %s", m.cfg.ReviewTimeout),
	})
}

func (m *Machine) applyWithdraw(snap types.InstanceSnapshot) (Outcome, error) {
	return Outcome{
		Accepted: true,
		Type:     types.EventWithdrawn,
		From:     snap.Status,
		To:       types.StatusRejected,
		Decision: &types.ApprovalDecision{
			Decision:   types.DecisionReject,
			ReviewerID: uuid.Nil,
			Comment:    "withdrawn",
		},
		Revisions: snap.Revisions,
		Complete:  true,
	}, nil
}

// Replay folds a transition log back into a snapshot. The log is the
// record; the snapshot stored alongside it is only a shortcut, so
// recovery always rebuilds from here.
func (m *Machine) Replay(workflowID string, contentID int64, events []types.TransitionEvent) types.InstanceSnapshot {
	snap := types.InstanceSnapshot{
		WorkflowID: workflowID,
		ContentID:  contentID,
	}
	for _, ev := range events {
		snap.Status = ev.To
		snap.Seq = ev.Seq
		snap.UpdatedAt = ev.OccurredAt
		if ev.Type == types.EventInstanceStarted {
			snap.CreatedAt = ev.OccurredAt
		}
		if ev.Type == types.EventReviewTimedOut ||
			(ev.Type == types.EventDecisionApplied && ev.Decision != nil && ev.Decision.Decision == types.DecisionRequestChanges) {
			snap.Revisions++
		}
	}
	snap.Completed = snap.Status.IsTerminal()
	if snap.Status == types.StatusUnderReview {
		deadline := snap.UpdatedAt.Add(m.cfg.ReviewTimeout)
		snap.ReviewDeadline = &deadline
	}
	return snap
}

func ignored(reason string) Outcome {
	return Outcome{Accepted: false, Reason: reason}
}
