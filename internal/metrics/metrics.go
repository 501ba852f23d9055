// Package metrics assembles read-only snapshots of a run for dashboards.
// The emitter never mutates state; every provider is read under its own
// lock, and one snapshot is internally consistent.
package metrics

import (
	"sort"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/scheduler"
	"conductor/internal/task"
)

// TaskMetrics is the per-task view.
type TaskMetrics struct {
	ID            string         `json:"id"`
	Owner         string         `json:"owner"`
	State         task.State     `json:"state"`
	Attempts      int            `json:"attempts"`
	Duration      time.Duration  `json:"duration"`
	QAVerdict     task.QAVerdict `json:"qa_verdict,omitempty"`
	HITLState     string         `json:"hitl_state,omitempty"`
	LastErrorCode string         `json:"last_error_code,omitempty"`
}

// RoleMetrics is the per-role view.
type RoleMetrics struct {
	Role        string        `json:"role"`
	Completed   int           `json:"completed"`
	Backlog     int           `json:"backlog"` // Non-terminal tasks owned by the role
	Active      int           `json:"active"`
	MeanLatency time.Duration `json:"mean_latency"`
}

// GlobalMetrics is the run-wide view.
type GlobalMetrics struct {
	Total          int            `json:"total"`
	Done           int            `json:"done"`
	Failed         int            `json:"failed"`
	Cancelled      int            `json:"cancelled"`
	Running        int            `json:"running"`
	CompletionRate float64        `json:"completion_rate"`
	QAPassRate     float64        `json:"qa_pass_rate"`
	ActiveWorkers  int            `json:"active_workers"`
	QueueLength    int            `json:"queue_length"`
	ActiveReviews  int            `json:"active_reviews"`
	OverdueReviews int            `json:"overdue_reviews"`
	L1HitRatio     float64        `json:"l1_hit_ratio"`
	L2HitRatio     float64        `json:"l2_hit_ratio"`
	ErrorCounts    map[string]int `json:"error_counts,omitempty"`
	HealthScore    float64        `json:"health_score"`
}

// Snapshot is one consistent view of the run.
type Snapshot struct {
	TakenAt time.Time     `json:"taken_at"`
	Tasks   []TaskMetrics `json:"tasks"`
	Roles   []RoleMetrics `json:"roles"`
	Global  GlobalMetrics `json:"global"`
}

// ReviewSource is the slice of the review engine the emitter reads.
type ReviewSource interface {
	Active() int
	Overdue() int
}

// MemorySource exposes cache statistics.
type MemorySource interface {
	Stats() memory.Stats
}

// SchedulerSource exposes the run-loop counters.
type SchedulerSource interface {
	Status() scheduler.Status
}

// Emitter builds snapshots from the live engines.
type Emitter struct {
	mu        sync.Mutex
	store     *task.Store
	sched     SchedulerSource
	review    ReviewSource
	mem       MemorySource
	itemState func(taskID string) (string, bool)
}

// NewEmitter creates a metrics emitter. Any source may be nil; its section
// of the snapshot is zero-valued.
func NewEmitter(store *task.Store, sched SchedulerSource, review ReviewSource, mem MemorySource) *Emitter {
	return &Emitter{store: store, sched: sched, review: review, mem: mem}
}

// SetReviewItemLookup wires the per-task review-state column. The lookup
// returns the item state string for a task id, if a review item exists.
func (e *Emitter) SetReviewItemLookup(fn func(taskID string) (string, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.itemState = fn
}

// Snapshot assembles the current view.
func (e *Emitter) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryMetrics, "Snapshot")
	defer timer.Stop()

	snap := Snapshot{TakenAt: time.Now()}
	if e.store == nil {
		return snap
	}

	tasks := e.store.All()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Def.ID < tasks[j].Def.ID })

	type roleAgg struct {
		completed, backlog, active int
		latency                    time.Duration
		latencySamples             int
	}
	roles := make(map[string]*roleAgg)
	errCounts := make(map[string]int)
	qaPassed, qaJudged := 0, 0

	for _, t := range tasks {
		rec := t.Record
		var dur time.Duration
		if rec.StartedAt != nil {
			end := time.Now()
			if rec.FinishedAt != nil {
				end = *rec.FinishedAt
			}
			dur = end.Sub(*rec.StartedAt)
		}

		tm := TaskMetrics{
			ID:            t.Def.ID,
			Owner:         t.Def.Owner,
			State:         rec.State,
			Attempts:      rec.Attempts,
			Duration:      dur,
			QAVerdict:     rec.QAVerdict,
			LastErrorCode: rec.LastErrorCode,
		}
		if e.itemState != nil {
			if state, found := e.itemState(t.Def.ID); found {
				tm.HITLState = state
			}
		}
		snap.Tasks = append(snap.Tasks, tm)

		agg := roles[t.Def.Owner]
		if agg == nil {
			agg = &roleAgg{}
			roles[t.Def.Owner] = agg
		}
		switch rec.State {
		case task.StateDone:
			agg.completed++
			snap.Global.Done++
		case task.StateFailed:
			snap.Global.Failed++
		case task.StateCancelled:
			snap.Global.Cancelled++
		case task.StateRunning:
			agg.active++
			agg.backlog++
			snap.Global.Running++
		default:
			agg.backlog++
		}
		if rec.FinishedAt != nil && rec.StartedAt != nil {
			agg.latency += rec.FinishedAt.Sub(*rec.StartedAt)
			agg.latencySamples++
		}
		if rec.LastErrorCode != "" {
			errCounts[rec.LastErrorCode]++
		}
		switch rec.QAVerdict {
		case task.QAPass, task.QAMinor:
			qaPassed++
			qaJudged++
		case task.QAMajor, task.QABlocker:
			qaJudged++
		}
	}

	for role, agg := range roles {
		rm := RoleMetrics{Role: role, Completed: agg.completed, Backlog: agg.backlog, Active: agg.active}
		if agg.latencySamples > 0 {
			rm.MeanLatency = agg.latency / time.Duration(agg.latencySamples)
		}
		snap.Roles = append(snap.Roles, rm)
	}
	sort.Slice(snap.Roles, func(i, j int) bool { return snap.Roles[i].Role < snap.Roles[j].Role })

	snap.Global.Total = len(tasks)
	if len(tasks) > 0 {
		snap.Global.CompletionRate = float64(snap.Global.Done) / float64(len(tasks))
	}
	if qaJudged > 0 {
		snap.Global.QAPassRate = float64(qaPassed) / float64(qaJudged)
	}
	if len(errCounts) > 0 {
		snap.Global.ErrorCounts = errCounts
	}

	if e.sched != nil {
		st := e.sched.Status()
		snap.Global.ActiveWorkers = st.ActiveWorkers
		snap.Global.QueueLength = st.QueueLength
	}
	if e.review != nil {
		snap.Global.ActiveReviews = e.review.Active()
		snap.Global.OverdueReviews = e.review.Overdue()
	}
	if e.mem != nil {
		stats := e.mem.Stats()
		snap.Global.L1HitRatio = stats.L1HitRatio
		snap.Global.L2HitRatio = stats.L2HitRatio
	}
	snap.Global.HealthScore = healthScore(snap.Global)
	return snap
}

// healthScore folds completion, QA quality, and review hygiene into one
// 0..1 figure: 0.5*completion + 0.3*qa_pass + 0.2*(1 - overdue_ratio).
func healthScore(g GlobalMetrics) float64 {
	overdueRatio := 0.0
	if g.ActiveReviews > 0 {
		overdueRatio = float64(g.OverdueReviews) / float64(g.ActiveReviews)
	}
	return 0.5*g.CompletionRate + 0.3*g.QAPassRate + 0.2*(1-overdueRatio)
}
