// Package task defines the task data model, its state machine, and the
// file-backed task store. Task definitions are immutable once loaded;
// execution records mutate only through the store so every transition lands
// in the audit log.
package task

import (
	"fmt"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateDeclared    State = "DECLARED"
	StateReady       State = "READY"
	StateRunning     State = "RUNNING"
	StateQAPending   State = "QA_PENDING"
	StateHITLPending State = "HITL_PENDING"
	StateEscalated   State = "ESCALATED"
	StateNeedsRework State = "NEEDS_REWORK"
	StateRejected    State = "REJECTED"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// transitions is the closed transition table. CANCELLED is reachable from any
// non-terminal state and handled separately in ValidTransition. FAILED ->
// READY is the retry edge and NEEDS_REWORK -> FAILED the rework dead end;
// the scheduler gates both on the attempt cap.
var transitions = map[State][]State{
	StateDeclared:    {StateReady},
	StateReady:       {StateRunning},
	StateRunning:     {StateQAPending, StateFailed},
	StateQAPending:   {StateHITLPending, StateDone, StateNeedsRework},
	StateHITLPending: {StateDone, StateNeedsRework, StateEscalated},
	StateEscalated:   {StateDone, StateRejected},
	StateNeedsRework: {StateReady, StateFailed},
	StateRejected:    {StateFailed},
	StateFailed:      {StateReady},
}

// ValidTransition reports whether from -> to is an allowed state change.
func ValidTransition(from, to State) bool {
	if from == StateDone || from == StateCancelled {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority is the scheduling priority class.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMed
	PriorityHigh
)

// String returns the priority name as it appears in task definitions.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMed:
		return "MED"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "HIGH":
		return PriorityHigh, nil
	case "MED", "MEDIUM", "":
		return PriorityMed, nil
	case "LOW":
		return PriorityLow, nil
	default:
		return PriorityMed, fmt.Errorf("invalid priority %q", s)
	}
}

// RiskTier classifies the inherent risk of a task.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMed
	RiskHigh
)

// String returns the risk tier name.
func (r RiskTier) String() string {
	switch r {
	case RiskHigh:
		return "HIGH"
	case RiskMed:
		return "MED"
	case RiskLow:
		return "LOW"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseRiskTier parses a risk tier name. Empty defaults to LOW.
func ParseRiskTier(s string) (RiskTier, error) {
	switch s {
	case "HIGH":
		return RiskHigh, nil
	case "MED", "MEDIUM":
		return RiskMed, nil
	case "LOW", "":
		return RiskLow, nil
	default:
		return RiskLow, fmt.Errorf("invalid risk_tier %q", s)
	}
}

// Weight is the risk tier's contribution to the HITL risk score.
func (r RiskTier) Weight() int {
	switch r {
	case RiskHigh:
		return 5
	case RiskMed:
		return 2
	default:
		return 0
	}
}

// Definition is the immutable part of a task, loaded from YAML.
type Definition struct {
	ID                   string   `yaml:"id"`
	Title                string   `yaml:"title"`
	Description          string   `yaml:"description"`
	Owner                string   `yaml:"owner"`
	DependsOn            []string `yaml:"depends_on"`
	InitialState         string   `yaml:"state"`
	PriorityName         string   `yaml:"priority"`
	ContextTopics        []string `yaml:"context_topics"`
	RiskTierName         string   `yaml:"risk_tier"`
	EstimatedEffort      string   `yaml:"estimated_effort"`
	ExpectedArtifacts    []string `yaml:"expected_artifacts"`
	IndependentOnFailure bool     `yaml:"independent_on_failure"`
	TouchesInfra         bool     `yaml:"touches_infrastructure"`
	TouchesProduction    bool     `yaml:"touches_production"`

	// Parsed fields, populated by the loader.
	Priority Priority      `yaml:"-"`
	Risk     RiskTier      `yaml:"-"`
	Effort   time.Duration `yaml:"-"`
}

// ArtifactRef records one produced artifact.
type ArtifactRef struct {
	RelativePath string    `json:"relative_path"`
	SHA256       string    `json:"sha256"`
	Size         int64     `json:"size"`
	WrittenAt    time.Time `json:"written_at"`
}

// QAVerdict is the outcome of QA validation.
type QAVerdict string

const (
	QANone    QAVerdict = ""
	QAPass    QAVerdict = "PASS"
	QAMinor   QAVerdict = "MINOR"
	QAMajor   QAVerdict = "MAJOR"
	QABlocker QAVerdict = "BLOCKER"
)

// SeverityWeight is the verdict's contribution to the HITL risk score.
func (v QAVerdict) SeverityWeight() int {
	switch v {
	case QABlocker:
		return 5
	case QAMajor:
		return 2
	default:
		return 0
	}
}

// Record is the mutable execution record of a task.
type Record struct {
	State             State         `json:"state"`
	Attempts          int           `json:"attempts"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastErrorCode     string        `json:"last_error_code,omitempty"`
	ProducedArtifacts []ArtifactRef `json:"produced_artifacts,omitempty"`
	QAVerdict         QAVerdict     `json:"qa_verdict,omitempty"`
	HITLVerdict       string        `json:"hitl_verdict,omitempty"`
	AssignedWorker    string        `json:"assigned_worker,omitempty"`
	ReworkNotes       string        `json:"rework_notes,omitempty"`
}

// Task pairs a definition with its execution record.
type Task struct {
	Def    Definition
	Record Record
}

// HasArtifact reports whether an artifact with the given digest was already
// recorded, enabling idempotent re-runs.
func (r *Record) HasArtifact(sha256 string) bool {
	for _, a := range r.ProducedArtifacts {
		if a.SHA256 == sha256 {
			return true
		}
	}
	return false
}

// HasArtifactPath reports whether an artifact was recorded at the path,
// possibly by an earlier attempt.
func (r *Record) HasArtifactPath(relPath string) bool {
	for _, a := range r.ProducedArtifacts {
		if a.RelativePath == relPath {
			return true
		}
	}
	return false
}
