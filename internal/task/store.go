package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/logging"
)

// Store owns all task records. Every state transition funnels through
// Transition so the per-task audit log stays in lockstep with the record:
// one audit entry per transition, nothing else.
//
// On-disk layout per task:
//
//	<base>/<task_id>/task.yaml      definition snapshot
//	<base>/<task_id>/record.json    execution record (atomic replace)
//	<base>/<task_id>/audit.jsonl    append-only transition log
//	<base>/<task_id>/artifacts/     artifact writer territory
//	<base>/<task_id>/qa_report.json
//	<base>/<task_id>/hitl.json
type Store struct {
	mu      sync.RWMutex
	baseDir string
	lock    *os.File
	entries map[string]*entry
}

type entry struct {
	def   Definition
	rec   Record
	audit *logging.AuditWriter
}

// Open initializes the store at baseDir and takes the advisory run lock.
// A second process opening the same directory fails fast.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(baseDir, ".lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("state directory %s is locked by another process: %w", baseDir, err)
	}

	logging.Get(logging.CategoryTask).Info("Task store opened at %s", baseDir)
	return &Store{
		baseDir: baseDir,
		lock:    lock,
		entries: make(map[string]*entry),
	}, nil
}

// Close releases the run lock and closes every audit stream.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.audit != nil {
			e.audit.Close()
		}
	}
	if s.lock != nil {
		syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN)
		err := s.lock.Close()
		s.lock = nil
		return err
	}
	return nil
}

// Register adds a task definition, creating its directory, definition
// snapshot, initial record, and audit stream.
func (s *Store) Register(def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The id becomes a directory name, so the shape check holds here too
	// even for definitions that never passed through the loader.
	if !SafeTaskID(def.ID) {
		return fmt.Errorf("invalid task id %q", def.ID)
	}
	if _, exists := s.entries[def.ID]; exists {
		return fmt.Errorf("task %s already registered", def.ID)
	}

	dir := s.taskDirLocked(def.ID)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	snapshot, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), snapshot, 0644); err != nil {
		return fmt.Errorf("failed to write definition snapshot: %w", err)
	}

	audit, err := logging.OpenAudit(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		return err
	}

	e := &entry{def: def, rec: Record{State: StateDeclared}, audit: audit}
	if err := s.persistRecordLocked(def.ID, e.rec); err != nil {
		audit.Close()
		return err
	}
	s.entries[def.ID] = e

	logging.Get(logging.CategoryTask).Debug("Registered task %s (owner=%s, priority=%s)", def.ID, def.Owner, def.Priority)
	return nil
}

// Get returns a snapshot of one task.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Task{}, false
	}
	return Task{Def: e.def, Record: e.rec}, true
}

// All returns snapshots of every task, ordered by id at the caller's whim.
func (s *Store) All() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]Task, 0, len(s.entries))
	for _, e := range s.entries {
		tasks = append(tasks, Task{Def: e.def, Record: e.rec})
	}
	return tasks
}

// Transition moves a task to a new state, applying mutate (may be nil) to the
// record under the same lock, persisting it, and appending the audit entry.
// Attempts increment on entry to RUNNING.
func (s *Store) Transition(id string, to State, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	from := e.rec.State
	if from == to && to == StateCancelled {
		return nil // Cancelling twice is a no-op
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", from, to, id)
	}

	e.rec.State = to
	switch to {
	case StateRunning:
		e.rec.Attempts++
		now := time.Now()
		e.rec.StartedAt = &now
	case StateDone, StateFailed, StateCancelled:
		now := time.Now()
		e.rec.FinishedAt = &now
	}
	if mutate != nil {
		mutate(&e.rec)
	}

	if err := s.persistRecordLocked(id, e.rec); err != nil {
		return err
	}
	if err := e.audit.Append(logging.AuditEvent{
		EventType: logging.AuditTransition,
		TaskID:    id,
		From:      string(from),
		To:        string(to),
		ErrorCode: e.rec.LastErrorCode,
	}); err != nil {
		return err
	}

	logging.Get(logging.CategoryTask).Debug("Task %s: %s -> %s (attempts=%d)", id, from, to, e.rec.Attempts)
	return nil
}

// Update applies a record mutation that is not a state transition (artifact
// refs, QA verdicts, worker assignment). No audit entry is written.
func (s *Store) Update(id string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	mutate(&e.rec)
	return s.persistRecordLocked(id, e.rec)
}

// TaskDir returns the on-disk directory for a task.
func (s *Store) TaskDir(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.taskDirLocked(id)
}

// ArtifactsDir returns the artifact output directory for a task.
func (s *Store) ArtifactsDir(id string) string {
	return filepath.Join(s.TaskDir(id), "artifacts")
}

// AuditEvents returns the full audit stream for a task.
func (s *Store) AuditEvents(id string) ([]logging.AuditEvent, error) {
	return logging.ReadAudit(filepath.Join(s.TaskDir(id), "audit.jsonl"))
}

// WriteReport persists an auxiliary JSON report (qa_report.json, hitl.json)
// into the task directory with atomic replace.
func (s *Store) WriteReport(id, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return atomicWrite(filepath.Join(s.TaskDir(id), name), data)
}

func (s *Store) taskDirLocked(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) persistRecordLocked(id string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return atomicWrite(filepath.Join(s.taskDirLocked(id), "record.json"), data)
}

// atomicWrite writes data to path via a temp file and rename so readers never
// observe a torn write.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
