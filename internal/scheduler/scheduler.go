// Package scheduler drives tasks from READY to terminal states. A single
// event loop owns the ready queue and all lifecycle decisions; workers run
// on goroutines and report back over the event channel, so no task state is
// ever mutated from two places.
package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/config"
	"conductor/internal/dispatch"
	"conductor/internal/graph"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/task"
)

// Exit codes returned by Run.
const (
	ExitOK        = 0
	ExitFailures  = 1
	ExitCancelled = 2
)

type eventKind int

const (
	evDone eventKind = iota
	evRetry
)

type event struct {
	kind eventKind
	id   string
	out  dispatch.Outcome
	err  error
}

// Scheduler owns the run loop. Construct with New, then call Run once.
type Scheduler struct {
	store      *task.Store
	dag        *graph.DAG
	dispatcher *dispatch.Dispatcher
	qa         *dispatch.QAChecker
	review     *hitl.Engine
	history    *hitl.History
	cfg        config.SchedulerConfig

	events    chan event
	cancelReq chan string
	abort     chan struct{}
	abortOnce sync.Once

	// Loop-owned state. Only Run's goroutine mutates these; Status reads the
	// counter fields under mu.
	queue    *readyQueue
	unmet    map[string]int
	depLoss  map[string]bool // A dependency ended non-DONE
	running  map[string]context.CancelFunc
	terminal map[string]bool

	mu         sync.Mutex
	active     int
	roleActive map[string]int
	queueLen   int
	startedAt  time.Time

	// Deadline sweep cadence, shortened in tests.
	tick time.Duration
	rng  *rand.Rand
}

// New creates a scheduler over a validated DAG.
func New(store *task.Store, dag *graph.DAG, dispatcher *dispatch.Dispatcher, qa *dispatch.QAChecker, review *hitl.Engine, history *hitl.History, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      store,
		dag:        dag,
		dispatcher: dispatcher,
		qa:         qa,
		review:     review,
		history:    history,
		cfg:        cfg,
		events:     make(chan event, 64),
		cancelReq:  make(chan string, 16),
		abort:      make(chan struct{}),
		queue:      newReadyQueue(),
		unmet:      make(map[string]int),
		depLoss:    make(map[string]bool),
		running:    make(map[string]context.CancelFunc),
		terminal:   make(map[string]bool),
		roleActive: make(map[string]int),
		tick:       5 * time.Second,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Cancel cancels one task and its descendants, or the whole run when id is
// empty. Cancelling an already-terminal task is a no-op.
func (s *Scheduler) Cancel(id string) {
	if id == "" {
		s.abortOnce.Do(func() { close(s.abort) })
		return
	}
	select {
	case s.cancelReq <- id:
	default:
		logging.Get(logging.CategoryScheduler).Warn("Cancel request queue full, dropping cancel for %s", id)
	}
}

// Run executes the task set to completion and returns the process exit code.
// Context cancellation (or Cancel("")) starts a graceful drain: outstanding
// workers get the drain window, then everything non-terminal is CANCELLED.
func (s *Scheduler) Run(ctx context.Context) int {
	if s.dag.Size() == 0 {
		logging.Scheduler("No tasks to run")
		return ExitOK
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	// Workers derive from runCtx, not ctx, so the drain controls when they
	// are cancelled.
	runCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	s.seed()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.fill(runCtx)
		if len(s.terminal) == s.dag.Size() {
			break
		}

		select {
		case ev := <-s.events:
			switch ev.kind {
			case evDone:
				s.handleDone(ev.id, ev.out, ev.err)
			case evRetry:
				s.handleRetry(ev.id)
			}
		case res := <-s.review.Resolutions():
			s.handleResolution(res)
		case id := <-s.cancelReq:
			s.cancelSubtree(id)
		case <-ticker.C:
			s.review.CheckDeadlines()
		case <-ctx.Done():
			return s.drain(cancelWorkers)
		case <-s.abort:
			return s.drain(cancelWorkers)
		}
	}
	return s.exitCode(false)
}

// seed computes the initial READY set from the dependency counts.
func (s *Scheduler) seed() {
	for _, layer := range s.dag.Layers() {
		for _, id := range layer {
			s.unmet[id] = len(s.dag.Dependencies(id))
		}
	}
	for id, n := range s.unmet {
		if n == 0 {
			s.makeReady(id)
		}
	}
	logging.Scheduler("Run started: %d tasks, %d initially ready, max_parallel=%d",
		s.dag.Size(), s.queue.Len(), s.cfg.MaxParallel)
}

// makeReady transitions a task to READY and enqueues it.
func (s *Scheduler) makeReady(id string) {
	if err := s.store.Transition(id, task.StateReady, nil); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to ready %s: %v", id, err)
		return
	}
	def, _ := s.dag.Definition(id)
	s.queue.Submit(id, def.Priority, s.dag.OnCriticalPath(id))
	s.syncCounters()
}

// fill starts workers while capacity allows. Tasks whose role is at its cap
// are skipped without losing their queue position.
func (s *Scheduler) fill(runCtx context.Context) {
	var skipped []queueItem
	for {
		s.mu.Lock()
		capacity := s.active < s.cfg.MaxParallel
		s.mu.Unlock()
		if !capacity {
			break
		}

		item, ok := s.queue.Next()
		if !ok {
			break
		}
		def, _ := s.dag.Definition(item.id)
		s.mu.Lock()
		roleFull := s.roleActive[def.Owner] >= s.cfg.RoleCap(def.Owner)
		s.mu.Unlock()
		if roleFull {
			skipped = append(skipped, item)
			continue
		}
		s.startWorker(runCtx, item.id, def)
	}
	for _, item := range skipped {
		s.queue.pushItem(item)
	}
	s.syncCounters()
}

// startWorker moves a task to RUNNING and launches its worker goroutine.
func (s *Scheduler) startWorker(runCtx context.Context, id string, def task.Definition) {
	worker := uuid.NewString()[:8]
	err := s.store.Transition(id, task.StateRunning, func(rec *task.Record) {
		rec.AssignedWorker = worker
		rec.LastError = ""
		rec.LastErrorCode = ""
	})
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to start %s: %v", id, err)
		return
	}

	timeout := s.hardTimeout(def)
	wctx, cancel := context.WithTimeout(runCtx, timeout)
	s.running[id] = cancel
	s.mu.Lock()
	s.active++
	s.roleActive[def.Owner]++
	s.mu.Unlock()

	t, _ := s.store.Get(id)
	logging.Scheduler("Task %s attempt %d started (worker=%s, role=%s, timeout=%v)",
		id, t.Record.Attempts, worker, def.Owner, timeout)

	go func() {
		defer cancel()
		out, err := s.dispatcher.Dispatch(wctx, t)
		if err == nil && wctx.Err() != nil {
			err = wctx.Err()
		}
		s.events <- event{kind: evDone, id: id, out: out, err: err}
	}()
}

// hardTimeout clamps the effort-derived timeout into the configured bounds.
func (s *Scheduler) hardTimeout(def task.Definition) time.Duration {
	min, max := s.cfg.TimeoutBounds()
	timeout := time.Duration(float64(def.Effort) * s.cfg.TimeoutMultiple)
	if timeout < min {
		timeout = min
	}
	if timeout > max {
		timeout = max
	}
	return timeout
}

// handleDone routes a finished worker: QA and review on success, retry or
// permanent failure otherwise.
func (s *Scheduler) handleDone(id string, out dispatch.Outcome, err error) {
	def, _ := s.dag.Definition(id)
	delete(s.running, id)
	s.mu.Lock()
	s.active--
	s.roleActive[def.Owner]--
	s.mu.Unlock()

	t, _ := s.store.Get(id)
	if t.Record.State != task.StateRunning {
		// Cancelled out from under the worker.
		s.markTerminal(id)
		return
	}

	switch {
	case err == nil:
		s.handleSuccess(id, out)
	case errors.Is(err, dispatch.ErrInvalidShape):
		s.handleInvalidShape(id, err)
	case errors.Is(err, context.Canceled):
		s.transition(id, task.StateCancelled, CodeCancelled, err)
		s.markTerminal(id)
		s.propagateLoss(id)
	default:
		s.handleFailure(id, err)
	}
}

// handleSuccess runs QA and routes the verdict to DONE, review, or rework.
func (s *Scheduler) handleSuccess(id string, out dispatch.Outcome) {
	if err := s.store.Transition(id, task.StateQAPending, nil); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Task %s: %v", id, err)
		return
	}
	t, _ := s.store.Get(id)

	report, err := s.qa.Check(t, out)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("QA check failed for %s: %v", id, err)
		report.Verdict = task.QABlocker
	}
	if err := s.store.Update(id, func(rec *task.Record) { rec.QAVerdict = report.Verdict }); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Task %s: %v", id, err)
	}

	if report.Verdict == task.QABlocker {
		notes := "QA blocker:"
		for _, f := range report.Findings {
			notes += " " + f.Message + ";"
		}
		s.sendToRework(id, CodeExecutor, notes)
		return
	}

	t, _ = s.store.Get(id)
	disp, score, err := s.review.Submit(t, report.Verdict)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Review submit failed for %s: %v", id, err)
		disp = hitl.DispositionQueued
	}

	switch disp {
	case hitl.DispositionAutoApproved:
		s.transition(id, task.StateDone, "", nil)
		s.markTerminal(id)
		s.releaseDependents(id, true)
	case hitl.DispositionEscalated:
		s.transition(id, task.StateHITLPending, "", nil)
		s.transition(id, task.StateEscalated, "", nil)
		logging.Scheduler("Task %s awaiting escalated review (score %d)", id, score)
	default:
		s.transition(id, task.StateHITLPending, "", nil)
		logging.Scheduler("Task %s awaiting review (score %d)", id, score)
	}
}

// handleInvalidShape routes a malformed executor result to rework, skipping
// QA entirely.
func (s *Scheduler) handleInvalidShape(id string, err error) {
	if terr := s.store.Transition(id, task.StateQAPending, func(rec *task.Record) {
		rec.LastError = err.Error()
		rec.LastErrorCode = CodeValidation
		rec.QAVerdict = task.QANone
	}); terr != nil {
		logging.Get(logging.CategoryScheduler).Error("Task %s: %v", id, terr)
		return
	}
	s.sendToRework(id, CodeValidation, "invalid result shape: "+err.Error())
}

// sendToRework transitions through NEEDS_REWORK back to READY with notes
// for the next attempt. The attempt budget covers rework cycles too; a task
// that burned through it fails permanently instead of looping.
func (s *Scheduler) sendToRework(id, code, notes string) {
	if err := s.store.Transition(id, task.StateNeedsRework, func(rec *task.Record) {
		rec.ReworkNotes = notes
	}); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Task %s: %v", id, err)
		return
	}

	t, _ := s.store.Get(id)
	if t.Record.Attempts >= s.cfg.MaxAttempts {
		logging.Scheduler("Task %s permanently FAILED: rework requested after %d/%d attempts (%s)",
			id, t.Record.Attempts, s.cfg.MaxAttempts, code)
		s.transition(id, task.StateFailed, code, errors.New("attempt budget exhausted: "+notes))
		if s.history != nil {
			if herr := s.history.RecordFailure(id); herr != nil {
				logging.Get(logging.CategoryScheduler).Warn("Failure history write for %s: %v", id, herr)
			}
		}
		s.markTerminal(id)
		s.propagateLoss(id)
		return
	}

	s.makeReady(id)
	logging.Scheduler("Task %s sent to rework (attempt %d/%d)", id, t.Record.Attempts, s.cfg.MaxAttempts)
}

// handleFailure applies the retry policy or makes the failure permanent.
func (s *Scheduler) handleFailure(id string, err error) {
	code := classify(err)
	s.transition(id, task.StateFailed, code, err)

	if s.history != nil {
		if herr := s.history.RecordFailure(id); herr != nil {
			logging.Get(logging.CategoryScheduler).Warn("Failure history write for %s: %v", id, herr)
		}
	}

	t, _ := s.store.Get(id)
	// Integrity failures never retry automatically.
	if code != CodeIntegrity && t.Record.Attempts < s.cfg.MaxAttempts {
		delay := s.backoff(t.Record.Attempts)
		logging.Scheduler("Task %s failed (attempt %d/%d, %s), retrying in %v",
			id, t.Record.Attempts, s.cfg.MaxAttempts, code, delay)
		time.AfterFunc(delay, func() {
			select {
			case s.events <- event{kind: evRetry, id: id}:
			case <-s.abort:
			}
		})
		return
	}

	logging.Scheduler("Task %s permanently FAILED after %d attempts (%s)", id, t.Record.Attempts, code)
	s.markTerminal(id)
	s.propagateLoss(id)
}

// handleRetry flips a FAILED task back to READY once its backoff elapses.
func (s *Scheduler) handleRetry(id string) {
	t, ok := s.store.Get(id)
	if !ok || t.Record.State != task.StateFailed || s.terminal[id] {
		return
	}
	if err := s.store.Transition(id, task.StateReady, nil); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Task %s retry: %v", id, err)
		return
	}
	def, _ := s.dag.Definition(id)
	s.queue.Submit(id, def.Priority, s.dag.OnCriticalPath(id))
	s.syncCounters()
}

// handleResolution applies a committed review outcome to the task.
func (s *Scheduler) handleResolution(res hitl.Resolution) {
	t, ok := s.store.Get(res.TaskID)
	if !ok || s.terminal[res.TaskID] {
		return
	}
	id := res.TaskID

	switch res.Outcome {
	case hitl.OutcomeApproved:
		s.transition(id, task.StateDone, "", nil)
		s.markTerminal(id)
		s.releaseDependents(id, true)
	case hitl.OutcomeRework:
		if t.Record.State == task.StateEscalated {
			// The escalated path only resolves up or down; rework at this
			// level reads as a rejection with notes.
			s.failFromReview(id, CodeHitlRejected, res.Notes)
			return
		}
		s.sendToRework(id, CodeHitlRejected, res.Notes)
	case hitl.OutcomeRejected:
		s.failFromReview(id, CodeHitlRejected, res.Notes)
	case hitl.OutcomeExhausted:
		s.failFromReview(id, CodeHitlExhausted, res.Notes)
	}
}

// failFromReview walks the task through REJECTED to FAILED.
func (s *Scheduler) failFromReview(id, code, notes string) {
	t, _ := s.store.Get(id)
	if t.Record.State == task.StateHITLPending {
		s.transition(id, task.StateEscalated, "", nil)
	}
	s.transition(id, task.StateRejected, code, errors.New(notes))
	s.transition(id, task.StateFailed, code, errors.New(notes))
	if s.history != nil {
		if err := s.history.RecordFailure(id); err != nil {
			logging.Get(logging.CategoryScheduler).Warn("Failure history write for %s: %v", id, err)
		}
	}
	s.markTerminal(id)
	s.propagateLoss(id)
}

// releaseDependents decrements dependents' unmet counts and readies or
// cancels those that reach zero. done reports whether the finished
// dependency ended DONE.
func (s *Scheduler) releaseDependents(id string, done bool) {
	for _, dep := range s.dag.Dependents(id) {
		if s.terminal[dep] {
			continue
		}
		s.unmet[dep]--
		if !done {
			s.depLoss[dep] = true
		}
		if s.unmet[dep] > 0 {
			continue
		}
		def, _ := s.dag.Definition(dep)
		if s.depLoss[dep] && !def.IndependentOnFailure {
			s.cancelTask(dep)
			continue
		}
		s.makeReady(dep)
	}
}

// propagateLoss eagerly cancels the downstream of a permanent failure or
// cancellation. Tasks flagged independent_on_failure survive and later run
// once their dependency counts drain.
func (s *Scheduler) propagateLoss(id string) {
	for _, dep := range s.dag.Dependents(id) {
		if s.terminal[dep] {
			continue
		}
		s.unmet[dep]--
		s.depLoss[dep] = true
		def, _ := s.dag.Definition(dep)
		if def.IndependentOnFailure {
			if s.unmet[dep] == 0 {
				s.makeReady(dep)
			}
			continue
		}
		s.cancelTask(dep)
	}
}

// cancelTask cancels one task. Running tasks get their worker context
// cancelled and finish through handleDone; everything else transitions
// immediately and propagates.
func (s *Scheduler) cancelTask(id string) {
	if s.terminal[id] {
		return
	}
	if cancel, isRunning := s.running[id]; isRunning {
		cancel()
		return
	}
	s.queue.Remove(id)
	s.syncCounters()
	s.transition(id, task.StateCancelled, CodeCancelled, nil)
	s.markTerminal(id)
	s.propagateLoss(id)
}

// cancelSubtree handles an explicit cancel request for a task and all of
// its descendants, independence flags notwithstanding.
func (s *Scheduler) cancelSubtree(id string) {
	ids := append([]string{id}, s.dag.Descendants(id)...)
	for _, tid := range ids {
		if s.terminal[tid] {
			continue
		}
		if cancel, isRunning := s.running[tid]; isRunning {
			cancel()
			continue
		}
		s.queue.Remove(tid)
		s.transition(tid, task.StateCancelled, CodeCancelled, nil)
		s.markTerminal(tid)
	}
	s.syncCounters()
	logging.Scheduler("Cancel requested for %s (+%d descendants)", id, len(ids)-1)
}

// drain cancels outstanding workers, waits out the drain window, then
// cancels everything still non-terminal.
func (s *Scheduler) drain(cancelWorkers context.CancelFunc) int {
	logging.Scheduler("Draining: %d workers outstanding", len(s.running))
	cancelWorkers()

	deadline := time.NewTimer(s.cfg.DrainWindowDuration())
	defer deadline.Stop()
	for len(s.running) > 0 {
		select {
		case ev := <-s.events:
			if ev.kind == evDone {
				s.handleDone(ev.id, ev.out, ev.err)
			}
		case <-deadline.C:
			logging.Get(logging.CategoryScheduler).Warn("Drain window expired with %d workers outstanding", len(s.running))
			for id := range s.running {
				delete(s.running, id)
			}
		}
	}

	for _, t := range s.store.All() {
		if !t.Record.State.Terminal() {
			s.transition(t.Def.ID, task.StateCancelled, CodeCancelled, nil)
			s.markTerminal(t.Def.ID)
		}
	}
	return s.exitCode(true)
}

// transition applies a state change, recording the error code on the task
// record when set.
func (s *Scheduler) transition(id string, to task.State, code string, err error) {
	terr := s.store.Transition(id, to, func(rec *task.Record) {
		if code != "" {
			rec.LastErrorCode = code
		}
		if err != nil {
			rec.LastError = err.Error()
		}
	})
	if terr != nil {
		logging.Get(logging.CategoryScheduler).Error("Task %s -> %s: %v", id, to, terr)
	}
}

func (s *Scheduler) markTerminal(id string) {
	if !s.terminal[id] {
		s.terminal[id] = true
	}
}

// backoff computes the retry delay for the given attempt number (1-based)
// with exponential growth and symmetric jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	base := float64(s.cfg.BackoffBaseDuration())
	delay := base * math.Pow(s.cfg.BackoffFactor, float64(attempt-1))
	jitter := 1 + s.cfg.BackoffJitter*(2*s.rng.Float64()-1)
	return time.Duration(delay * jitter)
}

// classify maps an executor error to its stable code.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, memory.ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, memory.ErrIntegrity):
		return CodeIntegrity
	default:
		return CodeExecutor
	}
}

func (s *Scheduler) syncCounters() {
	s.mu.Lock()
	s.queueLen = s.queue.Len()
	s.mu.Unlock()
}

// exitCode summarizes the run.
func (s *Scheduler) exitCode(cancelled bool) int {
	if cancelled {
		logging.Scheduler("Run cancelled")
		return ExitCancelled
	}
	done := 0
	for _, t := range s.store.All() {
		if t.Record.State == task.StateDone {
			done++
		}
	}
	frac := float64(done) / float64(s.dag.Size())
	logging.Scheduler("Run complete: %d/%d DONE (%.0f%%)", done, s.dag.Size(), frac*100)
	if frac >= s.cfg.DoneThreshold {
		return ExitOK
	}
	return ExitFailures
}
