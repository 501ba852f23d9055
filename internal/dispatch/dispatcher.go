package dispatch

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/artifact"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/task"
)

// Outcome is what the scheduler gets back from a dispatch attempt.
type Outcome struct {
	Summary   string
	Artifacts []task.ArtifactRef
	Notes     string
}

// Dispatcher runs READY tasks through their role executors. It owns the
// request composition, tool resolution, artifact persistence, and result
// shape validation; lifecycle decisions stay with the scheduler.
type Dispatcher struct {
	registry *Registry
	tools    *ToolRegistry
	composer *Composer
	writer   *artifact.Writer
	store    *task.Store
	cfg      config.DispatchConfig
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(registry *Registry, tools *ToolRegistry, composer *Composer, writer *artifact.Writer, store *task.Store, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		tools:    tools,
		composer: composer,
		writer:   writer,
		store:    store,
		cfg:      cfg,
	}
}

// Dispatch executes one attempt of a task. Cancellation of ctx gives the
// executor the configured grace deadline to return; an executor that blows
// the deadline is abandoned and the attempt reported as cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task) (Outcome, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "Dispatch")
	defer timer.Stop()

	var out Outcome

	exec, err := d.registry.Executor(t.Def.Owner)
	if err != nil {
		return out, err
	}

	prompt, snippets, err := d.composer.Compose(ctx, t.Def, t.Record.ReworkNotes)
	if err != nil {
		return out, err
	}

	caps := d.cfg.RoleTools[t.Def.Owner]
	tools, err := d.tools.Resolve(t.Def.ID, caps)
	if err != nil {
		return out, err
	}

	req := Request{
		Task:        t.Def,
		Attempt:     t.Record.Attempts,
		Prompt:      prompt,
		Snippets:    snippets,
		Tools:       tools,
		OutputDir:   d.store.ArtifactsDir(t.Def.ID),
		ReworkNotes: t.Record.ReworkNotes,
	}

	logging.Dispatch("Task %s attempt %d dispatched to %s (%d tools, %d snippets)",
		t.Def.ID, t.Record.Attempts, t.Def.Owner, len(tools), len(snippets))

	result, err := d.run(ctx, exec, req)
	if err != nil {
		return out, err
	}
	if err := validateResult(result); err != nil {
		return out, err
	}

	refs, err := d.persist(t.Def.ID, result)
	if err != nil {
		return out, err
	}

	out = Outcome{Summary: result.Summary, Artifacts: refs, Notes: result.Notes}
	return out, nil
}

// run invokes the executor and enforces the cancellation grace deadline.
// The executor always sees a cancellable context; if the parent cancels and
// the executor does not return within the deadline, the attempt is abandoned.
func (d *Dispatcher) run(ctx context.Context, exec Executor, req Request) (Result, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		result Result
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		result, err := exec.Execute(execCtx, req)
		done <- reply{result, err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
	}

	// Parent cancelled; give the executor the grace window.
	grace := time.NewTimer(d.cfg.CancelDeadlineDuration())
	defer grace.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return r.result, r.err
		}
		return r.result, ctx.Err()
	case <-grace.C:
		logging.Get(logging.CategoryDispatch).Warn("Executor for task %s ignored cancellation past deadline, abandoning", req.Task.ID)
		return Result{}, fmt.Errorf("executor abandoned after cancel deadline: %w", ctx.Err())
	}
}

// validateResult checks the structural contract on an executor result. A
// violation means the agent misbehaved, not that the work failed, so the
// scheduler routes it to NEEDS_REWORK without QA.
func validateResult(r Result) error {
	if r.Summary == "" {
		return fmt.Errorf("%w: empty summary", ErrInvalidShape)
	}
	seen := make(map[string]bool, len(r.Artifacts))
	for _, f := range r.Artifacts {
		if !task.SafeRelativePath(f.Path) {
			return fmt.Errorf("%w: unsafe artifact path %q", ErrInvalidShape, f.Path)
		}
		if seen[f.Path] {
			return fmt.Errorf("%w: duplicate artifact path %q", ErrInvalidShape, f.Path)
		}
		seen[f.Path] = true
	}
	return nil
}

// persist writes the result's files through the artifact writer under a
// single lease.
func (d *Dispatcher) persist(taskID string, result Result) ([]task.ArtifactRef, error) {
	if len(result.Artifacts) == 0 {
		return nil, nil
	}

	lease, err := d.writer.Acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer d.writer.Release(taskID, lease)

	files := make([]artifact.File, len(result.Artifacts))
	for i, f := range result.Artifacts {
		files[i] = artifact.File{RelativePath: f.Path, Data: f.Data}
	}
	return d.writer.WriteAll(taskID, lease, files)
}
