// Package hitl implements the human-in-the-loop review gate: risk scoring,
// the review queue, the escalation ladder, and decision application. Review
// items live in an arena keyed by task id; tasks never hold pointers back
// into the queue.
package hitl

import (
	"errors"
	"time"
)

// ItemState is the lifecycle state of a review item.
type ItemState string

const (
	StateAwaitingQA    ItemState = "AWAITING_QA"
	StateAwaitingHuman ItemState = "AWAITING_HUMAN"
	StateInReview      ItemState = "IN_REVIEW"
	StateEscalated     ItemState = "ESCALATED"
	StateApproved      ItemState = "APPROVED"
	StateRejected      ItemState = "REJECTED"
	StateReworked      ItemState = "REWORKED"
)

// Terminal reports whether the item accepts no further transitions.
func (s ItemState) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StateReworked
}

// Ladder is the escalation ladder, lowest level first. A deadline breach
// promotes one level and resets the level's deadline.
var Ladder = []string{"reviewer", "team_lead", "product_owner", "incident"}

// Verdict is a reviewer's decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictRework  Verdict = "rework"
)

// ParseVerdict validates a verdict token from a decision file.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case VerdictApprove, VerdictReject, VerdictRework:
		return Verdict(s), nil
	default:
		return "", errors.New("hitl: invalid verdict " + s)
	}
}

// Decision is one inbound review decision. Reviewer is an opaque token;
// identity verification happens upstream.
type Decision struct {
	TaskID    string    `json:"task_id"`
	Reviewer  string    `json:"reviewer"`
	Verdict   Verdict   `json:"verdict"`
	Notes     string    `json:"notes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Factor is one contribution to a risk score.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Item is a queued request for human decision attached to a single task.
type Item struct {
	TaskID     string    `json:"task_id"`
	Score      int       `json:"risk_score"`
	Factors    []Factor  `json:"risk_factors"`
	State      ItemState `json:"state"`
	Level      int       `json:"level"`      // Index into Ladder
	Promotions int       `json:"promotions"` // Deadline breaches so far
	Reviewer   string    `json:"reviewer,omitempty"`
	Deadline   time.Time `json:"deadline"`
	CreatedAt  time.Time `json:"created_at"`

	// Set once a decision or exhaustion closes the item.
	DecidedBy string  `json:"decided_by,omitempty"`
	Verdict   Verdict `json:"verdict,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

// ReviewerRole returns the ladder role currently responsible for the item.
func (i Item) ReviewerRole() string {
	if i.Level < 0 || i.Level >= len(Ladder) {
		return Ladder[len(Ladder)-1]
	}
	return Ladder[i.Level]
}

// Outcome is what a closed review means for the task.
type Outcome string

const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeRework    Outcome = "REWORK"
	OutcomeExhausted Outcome = "ESCALATION_EXHAUSTED"
)

// Resolution is the committed result of a review, consumed by the scheduler
// in commit order.
type Resolution struct {
	TaskID      string
	Outcome     Outcome
	Notes       string
	Reviewer    string
	CommittedAt time.Time
}

var (
	// ErrNoItem is returned when a decision targets a task with no active
	// review item.
	ErrNoItem = errors.New("hitl: no review item for task")

	// ErrAlreadyResolved is returned for a conflicting decision on a
	// terminal item. A duplicate of the recorded decision is a no-op instead.
	ErrAlreadyResolved = errors.New("hitl: review item already resolved")

	// ErrDuplicateItem is returned when a task already has an open item.
	ErrDuplicateItem = errors.New("hitl: review item already open for task")
)
