package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is the externally visible lifecycle position of a content item.
// It is the single source of truth for "where is this item" and is only
// ever written by the item's owning approval instance.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusPublished   Status = "PUBLISHED"
	StatusRejected    Status = "REJECTED"
)

var validStatuses = map[Status]bool{
	StatusDraft:       true,
	StatusUnderReview: true,
	StatusPublished:   true,
	StatusRejected:    true,
}

var terminalStatuses = map[Status]bool{
	StatusPublished: true,
	StatusRejected:  true,
}

// IsValid reports whether s is one of the four persisted statuses.
func (s Status) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether no further transitions are defined from s.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

func (s Status) String() string { return string(s) }

// Decision is a reviewer's verdict on an item under review.
type Decision string

const (
	DecisionApprove        Decision = "APPROVE"
	DecisionReject         Decision = "REJECT"
	DecisionRequestChanges Decision = "REQUEST_CHANGES"
)

// IsValid reports whether d is a recognized decision.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRequestChanges:
		return true
	}
	return false
}

// ApprovalDecision is the payload of a decision signal. It is ephemeral:
// delivered to the instance, recorded in the audit trail, never stored as
// its own aggregate.
type ApprovalDecision struct {
	Decision   Decision  `json:"decision"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	Comment    string    `json:"comment,omitempty"`
}

// Signal names accepted by a running approval instance.
const (
	SignalSubmitForReview = "submit_for_review"
	SignalRecordDecision  = "record_decision"
	SignalWithdraw        = "withdraw"
)

// EventType tags entries in an instance's transition log.
type EventType string

const (
	EventInstanceStarted EventType = "instance_started"
	EventReviewRequested EventType = "review_requested"
	EventDecisionApplied EventType = "decision_applied"
	EventReviewTimedOut  EventType = "review_timed_out"
	EventWithdrawn       EventType = "withdrawn"
)

// TransitionEvent is one durably recorded transition of one instance.
// Seq is strictly increasing per instance; (WorkflowID, Seq) is the
// idempotency key for both the log append and the projection.
type TransitionEvent struct {
	ID         uint64            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Seq        int64             `json:"seq"`
	Type       EventType         `json:"type"`
	From       Status            `json:"from"`
	To         Status            `json:"to"`
	Decision   *ApprovalDecision `json:"decision,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// InstanceSnapshot is the persisted position of one approval instance.
// Snapshots are an optimization over folding the event log; the log
// remains the record.
type InstanceSnapshot struct {
	WorkflowID     string     `json:"workflow_id"`
	ContentID      int64      `json:"content_id"`
	Status         Status     `json:"status"`
	Revisions      int        `json:"revisions"`
	Seq            int64      `json:"seq"`
	ReviewDeadline *time.Time `json:"review_deadline,omitempty"`
	Completed      bool       `json:"completed"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
