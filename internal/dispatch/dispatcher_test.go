package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"conductor/internal/artifact"
	"conductor/internal/config"
	"conductor/internal/task"
)

type stubExecutor struct {
	result Result
	err    error
	block  chan struct{} // When set, Execute waits for ctx before returning
}

func (s *stubExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-s.block:
		}
	}
	return s.result, s.err
}

func newTestDispatcher(t *testing.T, exec Executor) (*Dispatcher, *task.Store) {
	t.Helper()

	store, err := task.Open(t.TempDir())
	if err != nil {
		t.Fatalf("task.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry()
	if err := registry.RegisterExecutor("backend", func(string) Executor { return exec }); err != nil {
		t.Fatalf("RegisterExecutor failed: %v", err)
	}

	cfg := config.DefaultDispatchConfig()
	cfg.CancelDeadline = "50ms"

	composer, err := NewComposer(nil, cfg)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}

	writer := artifact.NewWriter(store)
	return NewDispatcher(registry, NewToolRegistry(), composer, writer, store, cfg), store
}

func registerTask(t *testing.T, store *task.Store, id string) task.Task {
	t.Helper()
	def := task.Definition{ID: id, Title: "work", Owner: "backend"}
	if err := store.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	tk, ok := store.Get(id)
	if !ok {
		t.Fatalf("task %s not found after Register", id)
	}
	return tk
}

func TestDispatchPersistsArtifacts(t *testing.T) {
	exec := &stubExecutor{result: Result{
		Summary:   "done",
		Artifacts: []OutputFile{{Path: "out/report.md", Data: []byte("# report")}},
	}}
	d, store := newTestDispatcher(t, exec)
	tk := registerTask(t, store, "t-1")

	out, err := d.Dispatch(context.Background(), tk)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.Summary != "done" {
		t.Errorf("summary = %q, want done", out.Summary)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0].RelativePath != "out/report.md" {
		t.Fatalf("unexpected artifact refs: %+v", out.Artifacts)
	}
	if out.Artifacts[0].SHA256 == "" {
		t.Error("artifact ref missing digest")
	}

	after, _ := store.Get("t-1")
	if len(after.Record.ProducedArtifacts) != 1 {
		t.Errorf("record has %d artifacts, want 1", len(after.Record.ProducedArtifacts))
	}
}

func TestDispatchInvalidShape(t *testing.T) {
	exec := &stubExecutor{result: Result{Summary: ""}}
	d, store := newTestDispatcher(t, exec)
	tk := registerTask(t, store, "t-2")

	_, err := d.Dispatch(context.Background(), tk)
	if !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape, got %v", err)
	}
}

func TestDispatchRejectsUnsafeArtifactPath(t *testing.T) {
	exec := &stubExecutor{result: Result{
		Summary:   "done",
		Artifacts: []OutputFile{{Path: "../escape.txt", Data: []byte("x")}},
	}}
	d, store := newTestDispatcher(t, exec)
	tk := registerTask(t, store, "t-3")

	_, err := d.Dispatch(context.Background(), tk)
	if !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for traversal path, got %v", err)
	}
}

func TestDispatchUnknownRole(t *testing.T) {
	d, store := newTestDispatcher(t, &stubExecutor{})
	def := task.Definition{ID: "t-4", Title: "x", Owner: "ux"}
	if err := store.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	tk, _ := store.Get("t-4")

	_, err := d.Dispatch(context.Background(), tk)
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestDispatchHonorsCancellation(t *testing.T) {
	exec := &stubExecutor{
		result: Result{Summary: "partial"},
		block:  make(chan struct{}),
	}
	d, store := newTestDispatcher(t, exec)
	tk := registerTask(t, store, "t-5")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, tk)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after cancellation")
	}
}

func TestValidateResultDuplicatePaths(t *testing.T) {
	err := validateResult(Result{
		Summary: "ok",
		Artifacts: []OutputFile{
			{Path: "a.txt"},
			{Path: "a.txt"},
		},
	})
	if !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape for duplicate paths, got %v", err)
	}
}
