package dispatch

import (
	"fmt"
	"time"

	"conductor/internal/logging"
	"conductor/internal/task"
)

// QAFinding is one issue found during validation.
type QAFinding struct {
	Severity task.QAVerdict `json:"severity"`
	Message  string         `json:"message"`
}

// QAReport is persisted as qa_report.json alongside the task record.
type QAReport struct {
	TaskID    string         `json:"task_id"`
	Verdict   task.QAVerdict `json:"verdict"`
	Findings  []QAFinding    `json:"findings,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// QAValidator is a pluggable domain check run against a finished attempt.
type QAValidator func(t task.Task, out Outcome) []QAFinding

// QAChecker validates completed work before the review gate. Built-in
// checks cover the structural contract (expected artifacts present, digests
// recorded); domain checks plug in as extra validators.
type QAChecker struct {
	store      *task.Store
	validators []QAValidator
}

// NewQAChecker creates a checker over the task store.
func NewQAChecker(store *task.Store, validators ...QAValidator) *QAChecker {
	return &QAChecker{store: store, validators: validators}
}

// Check validates a task's outcome, persists the QA report, and returns the
// verdict. The worst finding severity wins; no findings means PASS.
func (q *QAChecker) Check(t task.Task, out Outcome) (QAReport, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "QACheck")
	defer timer.Stop()

	findings := q.builtinFindings(t, out)
	for _, v := range q.validators {
		findings = append(findings, v(t, out)...)
	}

	report := QAReport{
		TaskID:    t.Def.ID,
		Verdict:   worstVerdict(findings),
		Findings:  findings,
		CheckedAt: time.Now(),
	}
	if err := q.store.WriteReport(t.Def.ID, "qa_report.json", report); err != nil {
		return report, err
	}
	logging.Dispatch("Task %s QA verdict %s (%d findings)", t.Def.ID, report.Verdict, len(findings))
	return report, nil
}

// builtinFindings enforces the structural contract: every expected artifact
// must have been produced with a recorded digest, and the summary must exist.
func (q *QAChecker) builtinFindings(t task.Task, out Outcome) []QAFinding {
	var findings []QAFinding

	produced := make(map[string]bool, len(out.Artifacts))
	for _, a := range out.Artifacts {
		produced[a.RelativePath] = true
		if a.SHA256 == "" {
			findings = append(findings, QAFinding{
				Severity: task.QABlocker,
				Message:  fmt.Sprintf("artifact %s has no recorded digest", a.RelativePath),
			})
		}
	}
	for _, want := range t.Def.ExpectedArtifacts {
		if !produced[want] && !t.Record.HasArtifactPath(want) {
			findings = append(findings, QAFinding{
				Severity: task.QAMajor,
				Message:  fmt.Sprintf("expected artifact %s was not produced", want),
			})
		}
	}
	if out.Summary == "" {
		findings = append(findings, QAFinding{
			Severity: task.QAMinor,
			Message:  "result has no summary",
		})
	}
	return findings
}

// worstVerdict collapses findings to a single verdict.
func worstVerdict(findings []QAFinding) task.QAVerdict {
	worst := task.QAPass
	rank := map[task.QAVerdict]int{task.QAPass: 0, task.QAMinor: 1, task.QAMajor: 2, task.QABlocker: 3}
	for _, f := range findings {
		if rank[f.Severity] > rank[worst] {
			worst = f.Severity
		}
	}
	return worst
}
