package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"conductor/internal/logging"
)

// DecisionWatcher tails a spool directory for inbound decision files. Each
// file is a single JSON decision record; processed files move to a done/
// subdirectory, malformed ones to rejected/. Files already present at start
// are drained before watching so decisions written while the engine was
// down are not lost.
type DecisionWatcher struct {
	engine *Engine
	dir    string
}

// NewDecisionWatcher creates a watcher feeding the review engine from dir.
func NewDecisionWatcher(engine *Engine, dir string) *DecisionWatcher {
	return &DecisionWatcher{engine: engine, dir: dir}
}

// Run drains the spool, then watches for new files until ctx cancels.
func (w *DecisionWatcher) Run(ctx context.Context) error {
	for _, sub := range []string{"", "done", "rejected"} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0755); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	w.drain()
	logging.HITL("Decision spool watching %s", w.dir)

	// Writers may still be mid-write when the create event fires; a short
	// settle delay before reading avoids consuming torn JSON.
	const settle = 50 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			time.Sleep(settle)
			w.consume(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryHITL).Warn("Decision spool watch error: %v", err)
		}
	}
}

// drain processes decision files already sitting in the spool.
func (w *DecisionWatcher) drain() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logging.Get(logging.CategoryHITL).Warn("Failed to read decision spool: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		w.consume(filepath.Join(w.dir, e.Name()))
	}
}

// consume parses and applies one decision file, then files it away.
func (w *DecisionWatcher) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryHITL).Warn("Failed to read decision file %s: %v", path, err)
		}
		return
	}

	var raw struct {
		TaskID    string    `json:"task_id"`
		Reviewer  string    `json:"reviewer"`
		Verdict   string    `json:"verdict"`
		Notes     string    `json:"notes"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.Get(logging.CategoryHITL).Warn("Malformed decision file %s: %v", path, err)
		w.file(path, "rejected")
		return
	}
	verdict, err := ParseVerdict(raw.Verdict)
	if err != nil || raw.TaskID == "" || raw.Reviewer == "" {
		logging.Get(logging.CategoryHITL).Warn("Invalid decision in %s (task=%q reviewer=%q verdict=%q)",
			path, raw.TaskID, raw.Reviewer, raw.Verdict)
		w.file(path, "rejected")
		return
	}

	d := Decision{
		TaskID:    raw.TaskID,
		Reviewer:  raw.Reviewer,
		Verdict:   verdict,
		Notes:     raw.Notes,
		Timestamp: raw.Timestamp,
	}
	switch err := w.engine.Decide(d); {
	case err == nil:
		w.file(path, "done")
	case errors.Is(err, ErrNoItem), errors.Is(err, ErrAlreadyResolved):
		logging.Get(logging.CategoryHITL).Warn("Decision for %s not applicable: %v", d.TaskID, err)
		w.file(path, "rejected")
	default:
		logging.Get(logging.CategoryHITL).Warn("Decision for %s failed: %v", d.TaskID, err)
		w.file(path, "rejected")
	}
}

// file moves a processed decision into a subdirectory, deduplicating names.
func (w *DecisionWatcher) file(path, sub string) {
	dest := filepath.Join(w.dir, sub, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(w.dir, sub, time.Now().Format("20060102T150405.000")+"-"+filepath.Base(path))
	}
	if err := os.Rename(path, dest); err != nil {
		logging.Get(logging.CategoryHITL).Warn("Failed to archive decision file %s: %v", path, err)
	}
}
