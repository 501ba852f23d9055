package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/internal/task"
)

type fakeReview struct{ active, overdue int }

func (f fakeReview) Active() int  { return f.active }
func (f fakeReview) Overdue() int { return f.overdue }

func seedStore(t *testing.T) *task.Store {
	t.Helper()
	store, err := task.Open(t.TempDir())
	if err != nil {
		t.Fatalf("task.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, id := range []string{"A", "B", "C"} {
		if err := store.Register(task.Definition{ID: id, Title: id, Owner: "backend"}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	// A completes cleanly, B fails, C stays DECLARED.
	mustTransition(t, store, "A", task.StateReady, task.StateRunning, task.StateQAPending)
	if err := store.Update("A", func(rec *task.Record) { rec.QAVerdict = task.QAPass }); err != nil {
		t.Fatal(err)
	}
	mustTransition(t, store, "A", task.StateDone)

	mustTransition(t, store, "B", task.StateReady, task.StateRunning)
	if err := store.Transition("B", task.StateFailed, func(rec *task.Record) {
		rec.LastErrorCode = "ExecutorError"
	}); err != nil {
		t.Fatal(err)
	}
	return store
}

func mustTransition(t *testing.T, store *task.Store, id string, states ...task.State) {
	t.Helper()
	for _, st := range states {
		if err := store.Transition(id, st, nil); err != nil {
			t.Fatalf("transition %s -> %s: %v", id, st, err)
		}
	}
}

func TestSnapshotGlobalCounts(t *testing.T) {
	store := seedStore(t)
	e := NewEmitter(store, nil, fakeReview{active: 2, overdue: 1}, nil)

	snap := e.Snapshot()
	g := snap.Global
	if g.Total != 3 || g.Done != 1 || g.Failed != 1 {
		t.Fatalf("global = %+v, want total=3 done=1 failed=1", g)
	}
	if g.CompletionRate < 0.33 || g.CompletionRate > 0.34 {
		t.Errorf("completion rate = %f, want 1/3", g.CompletionRate)
	}
	if g.QAPassRate != 1.0 {
		t.Errorf("qa pass rate = %f, want 1.0 (one judged, one pass)", g.QAPassRate)
	}
	if g.ActiveReviews != 2 || g.OverdueReviews != 1 {
		t.Errorf("reviews = (%d, %d), want (2, 1)", g.ActiveReviews, g.OverdueReviews)
	}
	if g.ErrorCounts["ExecutorError"] != 1 {
		t.Errorf("error counts = %v, want ExecutorError:1", g.ErrorCounts)
	}
}

func TestSnapshotPerTask(t *testing.T) {
	store := seedStore(t)
	e := NewEmitter(store, nil, nil, nil)
	e.SetReviewItemLookup(func(id string) (string, bool) {
		if id == "B" {
			return "REJECTED", true
		}
		return "", false
	})

	snap := e.Snapshot()
	if len(snap.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(snap.Tasks))
	}
	if snap.Tasks[0].ID != "A" || snap.Tasks[0].State != task.StateDone {
		t.Errorf("task A = %+v", snap.Tasks[0])
	}
	if snap.Tasks[1].HITLState != "REJECTED" {
		t.Errorf("task B hitl state = %q, want REJECTED", snap.Tasks[1].HITLState)
	}
	if snap.Tasks[0].Duration <= 0 {
		t.Errorf("task A duration = %v, want > 0", snap.Tasks[0].Duration)
	}
}

func TestSnapshotRoles(t *testing.T) {
	store := seedStore(t)
	snap := NewEmitter(store, nil, nil, nil).Snapshot()

	if len(snap.Roles) != 1 {
		t.Fatalf("roles = %+v, want one backend entry", snap.Roles)
	}
	r := snap.Roles[0]
	if r.Role != "backend" || r.Completed != 1 || r.Backlog != 1 {
		t.Errorf("role = %+v, want backend completed=1 backlog=1", r)
	}
}

func TestHealthScoreBounds(t *testing.T) {
	perfect := healthScore(GlobalMetrics{CompletionRate: 1, QAPassRate: 1})
	if perfect != 1.0 {
		t.Errorf("perfect health = %f, want 1.0", perfect)
	}
	overdue := healthScore(GlobalMetrics{CompletionRate: 1, QAPassRate: 1, ActiveReviews: 2, OverdueReviews: 2})
	if overdue != 0.8 {
		t.Errorf("all-overdue health = %f, want 0.8", overdue)
	}
}

func TestPrometheusCollectorRegisters(t *testing.T) {
	store := seedStore(t)
	e := NewEmitter(store, nil, fakeReview{}, nil)

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(e)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"conductor_tasks", "conductor_completion_rate", "conductor_health_score", "conductor_task_errors"} {
		if !names[want] {
			t.Errorf("missing metric family %s (got %v)", want, names)
		}
	}
}
