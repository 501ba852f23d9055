package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"conductor/internal/artifact"
	"conductor/internal/config"
	"conductor/internal/dispatch"
	"conductor/internal/graph"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedExecutor fails the first fail[id] attempts per task, then succeeds.
// It records invocation order and peak concurrency.
type scriptedExecutor struct {
	mu            sync.Mutex
	calls         map[string]int
	fail          map[string]int
	delay         time.Duration
	order         []string
	concurrent    int
	maxConcurrent int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{calls: make(map[string]int), fail: make(map[string]int)}
}

func (x *scriptedExecutor) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	x.mu.Lock()
	x.calls[req.Task.ID]++
	call := x.calls[req.Task.ID]
	x.order = append(x.order, req.Task.ID)
	x.concurrent++
	if x.concurrent > x.maxConcurrent {
		x.maxConcurrent = x.concurrent
	}
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.concurrent--
		x.mu.Unlock()
	}()

	if x.delay > 0 {
		select {
		case <-time.After(x.delay):
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		}
	}
	if call <= x.fail[req.Task.ID] {
		return dispatch.Result{}, errors.New("scripted failure")
	}
	return dispatch.Result{Summary: "ok"}, nil
}

func (x *scriptedExecutor) invocations(id string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[id]
}

type fixture struct {
	store  *task.Store
	sched  *Scheduler
	review *hitl.Engine
	exec   *scriptedExecutor
}

func newFixture(t *testing.T, defs []task.Definition, schedCfg config.SchedulerConfig, hitlCfg config.HITLConfig) *fixture {
	t.Helper()

	store, err := task.Open(t.TempDir())
	if err != nil {
		t.Fatalf("task.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, def := range defs {
		if err := store.Register(def); err != nil {
			t.Fatalf("Register %s failed: %v", def.ID, err)
		}
	}

	dag, err := graph.Build(defs)
	if err != nil {
		t.Fatalf("graph.Build failed: %v", err)
	}

	exec := newScriptedExecutor()
	registry := dispatch.NewRegistry()
	for _, role := range dispatch.Roles {
		if err := registry.RegisterExecutor(role, func(string) dispatch.Executor { return exec }); err != nil {
			t.Fatalf("RegisterExecutor failed: %v", err)
		}
	}

	dcfg := config.DefaultDispatchConfig()
	dcfg.CancelDeadline = "100ms"
	composer, err := dispatch.NewComposer(nil, dcfg)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	dispatcher := dispatch.NewDispatcher(registry, dispatch.NewToolRegistry(), composer, artifact.NewWriter(store), store, dcfg)
	review := hitl.NewEngine(store, nil, hitlCfg)

	sched := New(store, dag, dispatcher, dispatch.NewQAChecker(store), review, nil, schedCfg)
	sched.tick = 10 * time.Millisecond
	return &fixture{store: store, sched: sched, review: review, exec: exec}
}

func fastSchedConfig() config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.BackoffBase = "10ms"
	cfg.DrainWindow = "500ms"
	return cfg
}

func lowTask(id string, deps ...string) task.Definition {
	return task.Definition{
		ID:        id,
		Title:     "task " + id,
		Owner:     "backend",
		DependsOn: deps,
		Priority:  task.PriorityMed,
		Risk:      task.RiskLow,
	}
}

func TestRunZeroTasks(t *testing.T) {
	f := newFixture(t, nil, fastSchedConfig(), config.DefaultHITLConfig())
	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0 for empty task set", code)
	}
}

func TestLinearChainOrdering(t *testing.T) {
	defs := []task.Definition{lowTask("A"), lowTask("B", "A"), lowTask("C", "B")}
	f := newFixture(t, defs, fastSchedConfig(), config.DefaultHITLConfig())

	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}

	var prev *task.Task
	for _, id := range []string{"A", "B", "C"} {
		tk, _ := f.store.Get(id)
		if tk.Record.State != task.StateDone {
			t.Fatalf("task %s state = %s, want DONE", id, tk.Record.State)
		}
		if prev != nil && tk.Record.StartedAt.Before(*prev.Record.FinishedAt) {
			t.Errorf("%s started at %v before %s finished at %v",
				id, tk.Record.StartedAt, prev.Def.ID, prev.Record.FinishedAt)
		}
		prev = &tk
	}
}

func TestAuditMatchesTransitions(t *testing.T) {
	defs := []task.Definition{lowTask("A")}
	f := newFixture(t, defs, fastSchedConfig(), config.DefaultHITLConfig())
	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}

	events, err := f.store.AuditEvents("A")
	if err != nil {
		t.Fatalf("AuditEvents failed: %v", err)
	}
	// DECLARED->READY->RUNNING->QA_PENDING->DONE
	if len(events) != 4 {
		t.Fatalf("audit entries = %d, want 4: %+v", len(events), events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Errorf("audit timestamps not monotonic at %d", i)
		}
		if events[i].From != events[i-1].To {
			t.Errorf("audit chain broken at %d: %s then %s", i, events[i-1].To, events[i].From)
		}
	}
}

func TestFanOutFanIn(t *testing.T) {
	defs := []task.Definition{
		lowTask("A"),
		lowTask("B", "A"), lowTask("C", "A"), lowTask("D", "A"),
		lowTask("E", "B", "C", "D"),
	}
	cfg := fastSchedConfig()
	cfg.MaxParallel = 3
	f := newFixture(t, defs, cfg, config.DefaultHITLConfig())
	f.exec.delay = 50 * time.Millisecond

	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}

	if f.exec.maxConcurrent < 2 {
		t.Errorf("peak concurrency = %d, want fan-out overlap", f.exec.maxConcurrent)
	}
	e, _ := f.store.Get("E")
	for _, dep := range []string{"B", "C", "D"} {
		d, _ := f.store.Get(dep)
		if e.Record.StartedAt.Before(*d.Record.FinishedAt) {
			t.Errorf("E started before %s finished", dep)
		}
	}
	if f.exec.invocations("E") != 1 {
		t.Errorf("E executed %d times, want exactly once", f.exec.invocations("E"))
	}
}

func TestRetryThenSucceed(t *testing.T) {
	defs := []task.Definition{lowTask("X")}
	f := newFixture(t, defs, fastSchedConfig(), config.DefaultHITLConfig())
	f.exec.fail["X"] = 2

	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}

	tk, _ := f.store.Get("X")
	if tk.Record.State != task.StateDone || tk.Record.Attempts != 3 {
		t.Fatalf("X = (%s, attempts=%d), want (DONE, 3)", tk.Record.State, tk.Record.Attempts)
	}

	events, err := f.store.AuditEvents("X")
	if err != nil {
		t.Fatalf("AuditEvents failed: %v", err)
	}
	retries := 0
	for _, ev := range events {
		if ev.From == string(task.StateFailed) && ev.To == string(task.StateReady) {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("FAILED->READY transitions = %d, want 2", retries)
	}
}

func TestRetryCapExhausted(t *testing.T) {
	defs := []task.Definition{lowTask("X")}
	cfg := fastSchedConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, defs, cfg, config.DefaultHITLConfig())
	f.exec.fail["X"] = 10

	if code := f.sched.Run(context.Background()); code != ExitFailures {
		t.Fatalf("exit = %d, want 1", code)
	}
	tk, _ := f.store.Get("X")
	if tk.Record.State != task.StateFailed || tk.Record.Attempts != 1 {
		t.Fatalf("X = (%s, attempts=%d), want (FAILED, 1)", tk.Record.State, tk.Record.Attempts)
	}
	if tk.Record.LastErrorCode != CodeExecutor {
		t.Errorf("error code = %s, want %s", tk.Record.LastErrorCode, CodeExecutor)
	}
}

func TestDependencyCancellation(t *testing.T) {
	defs := []task.Definition{lowTask("Y"), lowTask("Z", "Y")}
	cfg := fastSchedConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, defs, cfg, config.DefaultHITLConfig())
	f.exec.fail["Y"] = 10

	if code := f.sched.Run(context.Background()); code != ExitFailures {
		t.Fatalf("exit = %d, want 1", code)
	}
	z, _ := f.store.Get("Z")
	if z.Record.State != task.StateCancelled {
		t.Fatalf("Z state = %s, want CANCELLED", z.Record.State)
	}
	if f.exec.invocations("Z") != 0 {
		t.Errorf("Z executor invoked %d times, want 0", f.exec.invocations("Z"))
	}
}

func TestIndependentOnFailureRuns(t *testing.T) {
	indep := lowTask("Z", "Y")
	indep.IndependentOnFailure = true
	defs := []task.Definition{lowTask("Y"), indep}
	cfg := fastSchedConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, defs, cfg, config.DefaultHITLConfig())
	f.exec.fail["Y"] = 10

	if code := f.sched.Run(context.Background()); code != ExitFailures {
		t.Fatalf("exit = %d, want 1 (Y failed)", code)
	}
	z, _ := f.store.Get("Z")
	if z.Record.State != task.StateDone {
		t.Fatalf("Z state = %s, want DONE despite Y failing", z.Record.State)
	}
}

func TestPriorityOrderingWithSingleWorker(t *testing.T) {
	low, med, high := lowTask("L"), lowTask("M"), lowTask("H")
	low.Priority = task.PriorityLow
	med.Priority = task.PriorityMed
	high.Priority = task.PriorityHigh
	cfg := fastSchedConfig()
	cfg.MaxParallel = 1
	f := newFixture(t, []task.Definition{low, med, high}, cfg, config.DefaultHITLConfig())

	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}
	want := []string{"H", "M", "L"}
	for i, id := range want {
		if f.exec.order[i] != id {
			t.Fatalf("execution order = %v, want %v", f.exec.order, want)
		}
	}
}

func TestRoleCapLimitsConcurrency(t *testing.T) {
	defs := []task.Definition{lowTask("A"), lowTask("B")}
	cfg := fastSchedConfig()
	cfg.MaxParallel = 4
	cfg.RoleCaps = map[string]int{"backend": 1}
	f := newFixture(t, defs, cfg, config.DefaultHITLConfig())
	f.exec.delay = 50 * time.Millisecond

	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}
	if f.exec.maxConcurrent != 1 {
		t.Fatalf("peak concurrency = %d, want 1 under role cap", f.exec.maxConcurrent)
	}
}

func TestTimeoutSurfacesAsTimeoutCode(t *testing.T) {
	defs := []task.Definition{lowTask("T")}
	cfg := fastSchedConfig()
	cfg.MaxAttempts = 1
	cfg.TimeoutMin = "50ms"
	f := newFixture(t, defs, cfg, config.DefaultHITLConfig())
	f.exec.delay = 2 * time.Second

	if code := f.sched.Run(context.Background()); code != ExitFailures {
		t.Fatalf("exit = %d, want 1", code)
	}
	tk, _ := f.store.Get("T")
	if tk.Record.State != task.StateFailed || tk.Record.LastErrorCode != CodeTimeout {
		t.Fatalf("T = (%s, %s), want (FAILED, Timeout)", tk.Record.State, tk.Record.LastErrorCode)
	}
}

func TestReviewApprovalCompletesTask(t *testing.T) {
	def := lowTask("R")
	def.Risk = task.RiskHigh // Score 5: queued for review
	f := newFixture(t, []task.Definition{def}, fastSchedConfig(), config.DefaultHITLConfig())

	go func() {
		for i := 0; i < 200; i++ {
			if len(f.review.Queue()) > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err := f.review.Decide(hitl.Decision{TaskID: "R", Reviewer: "alice", Verdict: hitl.VerdictApprove}); err != nil {
			logging.Get(logging.CategoryScheduler).Error("test decide: %v", err)
		}
	}()

	if code := f.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}
	tk, _ := f.store.Get("R")
	if tk.Record.State != task.StateDone {
		t.Fatalf("R state = %s, want DONE after approval", tk.Record.State)
	}
}

func TestEscalationExhaustionFailsTask(t *testing.T) {
	def := lowTask("W")
	def.Risk = task.RiskHigh
	def.TouchesProduction = true // Score 9: escalated on entry
	hcfg := config.DefaultHITLConfig()
	hcfg.StandardSLA = "20ms"
	hcfg.EscalatedSLA = "20ms"
	f := newFixture(t, []task.Definition{def}, fastSchedConfig(), hcfg)

	if code := f.sched.Run(context.Background()); code != ExitFailures {
		t.Fatalf("exit = %d, want 1", code)
	}
	tk, _ := f.store.Get("W")
	if tk.Record.State != task.StateFailed {
		t.Fatalf("W state = %s, want FAILED", tk.Record.State)
	}
	if tk.Record.LastErrorCode != CodeHitlExhausted {
		t.Fatalf("error code = %s, want %s", tk.Record.LastErrorCode, CodeHitlExhausted)
	}
}

func TestCancelWholeRun(t *testing.T) {
	defs := []task.Definition{lowTask("A"), lowTask("B", "A")}
	f := newFixture(t, defs, fastSchedConfig(), config.DefaultHITLConfig())
	f.exec.delay = 5 * time.Second

	done := make(chan int, 1)
	go func() { done <- f.sched.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	f.sched.Cancel("")

	select {
	case code := <-done:
		if code != ExitCancelled {
			t.Fatalf("exit = %d, want 2", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	for _, id := range []string{"A", "B"} {
		tk, _ := f.store.Get(id)
		if tk.Record.State != task.StateCancelled {
			t.Errorf("%s state = %s, want CANCELLED", id, tk.Record.State)
		}
	}
}

func TestInvalidShapeGoesToRework(t *testing.T) {
	defs := []task.Definition{lowTask("S")}
	// Empty summary on the first attempt trips shape validation; the second
	// attempt succeeds.
	first := true
	var mu sync.Mutex
	shapeExec := executorFunc(func(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return dispatch.Result{Summary: ""}, nil
		}
		return dispatch.Result{Summary: "ok"}, nil
	})
	f2 := newFixtureWithExecutor(t, defs, fastSchedConfig(), config.DefaultHITLConfig(), shapeExec)

	if code := f2.sched.Run(context.Background()); code != ExitOK {
		t.Fatalf("exit = %d, want 0", code)
	}
	tk, _ := f2.store.Get("S")
	if tk.Record.State != task.StateDone {
		t.Fatalf("S state = %s, want DONE after rework", tk.Record.State)
	}
	if tk.Record.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", tk.Record.Attempts)
	}
	events, _ := f2.store.AuditEvents("S")
	sawRework := false
	for _, ev := range events {
		if ev.To == string(task.StateNeedsRework) {
			sawRework = true
		}
	}
	if !sawRework {
		t.Error("audit log missing NEEDS_REWORK transition")
	}
}

func TestReworkLoopStopsAtAttemptCap(t *testing.T) {
	defs := []task.Definition{lowTask("S")}
	cfg := fastSchedConfig()
	cfg.MaxAttempts = 2
	// Every attempt returns a malformed result, so rework alone can never
	// converge; the attempt budget has to end the run.
	badExec := executorFunc(func(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
		return dispatch.Result{Summary: ""}, nil
	})
	f := newFixtureWithExecutor(t, defs, cfg, config.DefaultHITLConfig(), badExec)

	done := make(chan int, 1)
	go func() { done <- f.sched.Run(context.Background()) }()

	select {
	case code := <-done:
		if code != ExitFailures {
			t.Fatalf("exit = %d, want 1", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not terminate with a persistently malformed result")
	}

	tk, _ := f.store.Get("S")
	if tk.Record.State != task.StateFailed {
		t.Fatalf("S state = %s, want FAILED", tk.Record.State)
	}
	if tk.Record.Attempts != 2 {
		t.Errorf("attempts = %d, want exactly the budget of 2", tk.Record.Attempts)
	}
	if tk.Record.LastErrorCode != CodeValidation {
		t.Errorf("error code = %s, want %s", tk.Record.LastErrorCode, CodeValidation)
	}
}

type executorFunc func(ctx context.Context, req dispatch.Request) (dispatch.Result, error)

func (f executorFunc) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return f(ctx, req)
}

func newFixtureWithExecutor(t *testing.T, defs []task.Definition, schedCfg config.SchedulerConfig, hitlCfg config.HITLConfig, exec dispatch.Executor) *fixture {
	t.Helper()

	store, err := task.Open(t.TempDir())
	if err != nil {
		t.Fatalf("task.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, def := range defs {
		if err := store.Register(def); err != nil {
			t.Fatalf("Register %s failed: %v", def.ID, err)
		}
	}
	dag, err := graph.Build(defs)
	if err != nil {
		t.Fatalf("graph.Build failed: %v", err)
	}
	registry := dispatch.NewRegistry()
	for _, role := range dispatch.Roles {
		if err := registry.RegisterExecutor(role, func(string) dispatch.Executor { return exec }); err != nil {
			t.Fatalf("RegisterExecutor failed: %v", err)
		}
	}
	dcfg := config.DefaultDispatchConfig()
	composer, err := dispatch.NewComposer(nil, dcfg)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	dispatcher := dispatch.NewDispatcher(registry, dispatch.NewToolRegistry(), composer, artifact.NewWriter(store), store, dcfg)
	review := hitl.NewEngine(store, nil, hitlCfg)
	sched := New(store, dag, dispatcher, dispatch.NewQAChecker(store), review, nil, schedCfg)
	sched.tick = 10 * time.Millisecond
	return &fixture{store: store, sched: sched, review: review}
}
