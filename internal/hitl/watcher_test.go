package hitl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/task"
)

func writeDecision(t *testing.T, dir, name string, d Decision) {
	t.Helper()
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("write decision: %v", err)
	}
}

func TestWatcherDrainAppliesSpooledDecisions(t *testing.T) {
	e := NewEngine(nil, nil, config.DefaultHITLConfig())
	if _, _, err := e.Submit(mediumRiskTask("t-1"), task.QAPass); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dir := t.TempDir()
	writeDecision(t, dir, "d1.json", Decision{TaskID: "t-1", Reviewer: "alice", Verdict: VerdictApprove})

	w := NewDecisionWatcher(e, dir)
	for _, sub := range []string{"done", "rejected"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	w.drain()

	item, _ := e.Item("t-1")
	if item.State != StateApproved {
		t.Fatalf("item state = %s, want APPROVED after drain", item.State)
	}
	if _, err := os.Stat(filepath.Join(dir, "done", "d1.json")); err != nil {
		t.Errorf("processed decision not archived: %v", err)
	}
}

func TestWatcherRejectsMalformedDecision(t *testing.T) {
	e := NewEngine(nil, nil, config.DefaultHITLConfig())
	dir := t.TempDir()
	for _, sub := range []string{"done", "rejected"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	w := NewDecisionWatcher(e, dir)
	w.drain()

	if _, err := os.Stat(filepath.Join(dir, "rejected", "bad.json")); err != nil {
		t.Errorf("malformed decision not quarantined: %v", err)
	}
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	e := NewEngine(nil, nil, config.DefaultHITLConfig())
	if _, _, err := e.Submit(mediumRiskTask("t-2"), task.QAPass); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dir := t.TempDir()
	w := NewDecisionWatcher(e, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Give the watcher a moment to register before dropping the file.
	time.Sleep(100 * time.Millisecond)
	writeDecision(t, dir, "d2.json", Decision{TaskID: "t-2", Reviewer: "bob", Verdict: VerdictReject})

	deadline := time.After(3 * time.Second)
	for {
		item, _ := e.Item("t-2")
		if item.State == StateRejected {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("decision not applied, item = %+v", item)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
