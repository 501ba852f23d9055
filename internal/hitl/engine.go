package hitl

import (
	"fmt"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/task"
)

// Disposition is the routing result of submitting a finished task.
type Disposition string

const (
	DispositionAutoApproved Disposition = "AUTO_APPROVED"
	DispositionQueued       Disposition = "QUEUED"
	DispositionEscalated    Disposition = "ESCALATED"
)

// Engine owns all review items. It is the single writer; consumers read
// snapshots through Queue and Item. Committed resolutions stream to the
// scheduler in commit order over Resolutions.
type Engine struct {
	store   *task.Store
	history *History
	cfg     config.HITLConfig

	// One lock over the arena. Item transitions serialize per task id as a
	// consequence; the engine is the only writer.
	mu       sync.Mutex
	items    map[string]*Item
	archive  []Item
	resolved chan Resolution
	spill    []Resolution
	now      func() time.Time
}

// NewEngine creates the review engine.
func NewEngine(store *task.Store, history *History, cfg config.HITLConfig) *Engine {
	return &Engine{
		store:    store,
		history:  history,
		cfg:      cfg,
		items:    make(map[string]*Item),
		resolved: make(chan Resolution, 256),
		now:      time.Now,
	}
}

// Resolutions streams committed review outcomes in commit order.
func (e *Engine) Resolutions() <-chan Resolution {
	return e.resolved
}

// Submit routes a finished task through risk scoring. Scores below the
// auto-approve threshold skip review entirely; scores at or above the
// escalation threshold enter the queue one ladder level up with the
// escalated SLA.
func (e *Engine) Submit(t task.Task, qa task.QAVerdict) (Disposition, int, error) {
	penalty := 0
	if e.history != nil {
		p, err := e.history.Penalty(t.Def.ID)
		if err != nil {
			logging.Get(logging.CategoryHITL).Warn("Failure history unavailable for %s: %v", t.Def.ID, err)
		} else {
			penalty = p
		}
	}
	score, factors := ScoreRisk(t.Def, qa, penalty)

	if score < e.cfg.AutoApproveBelow {
		logging.HITL("Task %s auto-approved (score %d)", t.Def.ID, score)
		return DispositionAutoApproved, score, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, open := e.items[t.Def.ID]; open && !existing.State.Terminal() {
		return "", score, fmt.Errorf("%w: %s", ErrDuplicateItem, t.Def.ID)
	}

	now := e.now()
	item := &Item{
		TaskID:    t.Def.ID,
		Score:     score,
		Factors:   factors,
		State:     StateAwaitingHuman,
		Level:     0,
		CreatedAt: now,
		Deadline:  now.Add(e.cfg.StandardSLADuration()),
	}
	disposition := DispositionQueued
	if score >= e.cfg.EscalateAt {
		// Entering escalated spends one promotion and starts at team lead.
		item.State = StateEscalated
		item.Level = 1
		item.Promotions = 1
		item.Deadline = now.Add(e.cfg.EscalatedSLADuration())
		disposition = DispositionEscalated
	}
	e.items[t.Def.ID] = item
	e.persistLocked(*item)

	logging.HITL("Task %s queued for review (score %d, state %s, deadline %s)",
		t.Def.ID, score, item.State, item.Deadline.Format(time.RFC3339))
	return disposition, score, nil
}

// Claim marks an item as being actively reviewed. Claiming a terminal item
// fails; claiming an already claimed item by the same reviewer is a no-op.
func (e *Engine) Claim(taskID, reviewer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.items[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoItem, taskID)
	}
	if item.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, taskID)
	}
	if item.State == StateInReview && item.Reviewer == reviewer {
		return nil
	}
	item.State = StateInReview
	item.Reviewer = reviewer
	e.persistLocked(*item)
	return nil
}

// Decide applies a reviewer decision. Duplicate decisions from the same
// reviewer with the same verdict collapse idempotently; a conflicting
// decision on a closed item returns ErrAlreadyResolved.
func (e *Engine) Decide(d Decision) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.items[d.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoItem, d.TaskID)
	}
	if item.State.Terminal() {
		if item.DecidedBy == d.Reviewer && item.Verdict == d.Verdict {
			logging.Get(logging.CategoryHITL).Debug("Duplicate decision for %s collapsed", d.TaskID)
			return nil
		}
		return fmt.Errorf("%w: %s decided by %s", ErrAlreadyResolved, d.TaskID, item.DecidedBy)
	}

	item.DecidedBy = d.Reviewer
	item.Verdict = d.Verdict
	item.Notes = d.Notes

	var outcome Outcome
	switch d.Verdict {
	case VerdictApprove:
		item.State = StateApproved
		outcome = OutcomeApproved
	case VerdictReject:
		item.State = StateRejected
		outcome = OutcomeRejected
	case VerdictRework:
		// Rework closes the item; a later attempt submits a fresh one.
		item.State = StateReworked
		outcome = OutcomeRework
		e.archive = append(e.archive, *item)
		delete(e.items, d.TaskID)
	default:
		return fmt.Errorf("hitl: invalid verdict %q for %s", d.Verdict, d.TaskID)
	}
	e.persistLocked(*item)

	logging.HITL("Task %s review decided: %s by %s", d.TaskID, d.Verdict, d.Reviewer)
	e.commitLocked(Resolution{
		TaskID:      d.TaskID,
		Outcome:     outcome,
		Notes:       d.Notes,
		Reviewer:    d.Reviewer,
		CommittedAt: e.now(),
	})
	return nil
}

// CheckDeadlines promotes overdue items one ladder level and rejects items
// that exhausted the ladder. It returns the resolutions it committed so the
// caller can log them; the scheduler still receives them over Resolutions.
func (e *Engine) CheckDeadlines() []Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.flushSpillLocked()
	now := e.now()
	var committed []Resolution
	for _, item := range e.items {
		if item.State.Terminal() || now.Before(item.Deadline) {
			continue
		}

		if item.Promotions >= e.cfg.MaxPromotions {
			item.State = StateRejected
			item.Verdict = VerdictReject
			item.Notes = "escalation ladder exhausted"
			e.persistLocked(*item)
			res := Resolution{
				TaskID:      item.TaskID,
				Outcome:     OutcomeExhausted,
				Notes:       item.Notes,
				CommittedAt: now,
			}
			e.commitLocked(res)
			committed = append(committed, res)
			logging.HITL("Task %s review REJECTED: no decision after %d promotions", item.TaskID, item.Promotions)
			continue
		}

		item.Promotions++
		if item.Level < len(Ladder)-1 {
			item.Level++
		}
		item.State = StateEscalated
		item.Reviewer = ""
		item.Deadline = now.Add(e.cfg.EscalatedSLADuration())
		e.persistLocked(*item)
		logging.HITL("Task %s review promoted to %s (deadline %s)",
			item.TaskID, item.ReviewerRole(), item.Deadline.Format(time.RFC3339))
	}
	return committed
}

// Queue returns a snapshot of open items in review order.
func (e *Engine) Queue() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Item, 0, len(e.items))
	for _, item := range e.items {
		if !item.State.Terminal() {
			out = append(out, *item)
		}
	}
	orderQueue(out)
	return out
}

// Item returns a snapshot of one item, open or closed.
func (e *Engine) Item(taskID string) (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if item, ok := e.items[taskID]; ok {
		return *item, true
	}
	for i := len(e.archive) - 1; i >= 0; i-- {
		if e.archive[i].TaskID == taskID {
			return e.archive[i], true
		}
	}
	return Item{}, false
}

// Overdue counts open items past their deadline.
func (e *Engine) Overdue() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for _, item := range e.items {
		if !item.State.Terminal() && now.After(item.Deadline) {
			n++
		}
	}
	return n
}

// Active counts open items.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, item := range e.items {
		if !item.State.Terminal() {
			n++
		}
	}
	return n
}

// commitLocked publishes a resolution without blocking the engine. When the
// consumer falls behind and the channel fills, resolutions spill to an
// overflow queue that the next CheckDeadlines tick drains, preserving
// commit order.
func (e *Engine) commitLocked(res Resolution) {
	if len(e.spill) == 0 {
		select {
		case e.resolved <- res:
			return
		default:
		}
	}
	e.spill = append(e.spill, res)
	logging.Get(logging.CategoryHITL).Warn("Resolution channel full, %d spilled (%s/%s)", len(e.spill), res.TaskID, res.Outcome)
}

// flushSpillLocked moves spilled resolutions onto the channel in order.
func (e *Engine) flushSpillLocked() {
	for len(e.spill) > 0 {
		select {
		case e.resolved <- e.spill[0]:
			e.spill = e.spill[1:]
		default:
			return
		}
	}
}

// persistLocked snapshots the item to the task directory as hitl.json.
func (e *Engine) persistLocked(item Item) {
	if e.store == nil {
		return
	}
	if err := e.store.WriteReport(item.TaskID, "hitl.json", item); err != nil {
		logging.Get(logging.CategoryHITL).Warn("Failed to persist review item for %s: %v", item.TaskID, err)
	}
}
