// Package artifact persists task outputs with atomic swap semantics. An
// artifact exists iff its sha256 matches the recorded digest; the writer
// computes the digest after the rename so a torn write can never be recorded.
package artifact

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"conductor/internal/logging"
	"conductor/internal/task"
)

var (
	// ErrIO is returned when the filesystem rejects a write or rename.
	ErrIO = errors.New("artifact: io error")

	// ErrNotFound is returned when no artifact exists at the path.
	ErrNotFound = errors.New("artifact: not found")

	// ErrIntegrity is returned when stored bytes no longer match the
	// recorded digest.
	ErrIntegrity = errors.New("artifact: integrity error")

	// ErrPathViolation is returned for absolute paths or traversal.
	ErrPathViolation = errors.New("artifact: path violation")

	// ErrLeaseHeld is returned when another worker holds the task's
	// output-directory lease.
	ErrLeaseHeld = errors.New("artifact: lease held")
)

// Writer persists artifacts into per-task output directories. A per-task
// lease serializes writers; concurrent writers for the same task are
// rejected, not queued.
type Writer struct {
	store *task.Store

	mu     sync.Mutex
	leases map[string]string // Task id -> lease id
}

// NewWriter creates an artifact writer over the task store.
func NewWriter(store *task.Store) *Writer {
	return &Writer{store: store, leases: make(map[string]string)}
}

// Acquire takes the write lease for a task's output directory.
func (w *Writer) Acquire(taskID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if holder, held := w.leases[taskID]; held {
		return "", fmt.Errorf("%w: task %s leased by %s", ErrLeaseHeld, taskID, holder)
	}
	lease := uuid.NewString()
	w.leases[taskID] = lease
	return lease, nil
}

// Release returns the lease. Releasing with a stale lease id is a no-op.
func (w *Writer) Release(taskID, lease string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.leases[taskID] == lease {
		delete(w.leases, taskID)
	}
}

// Write persists bytes at relPath inside the task's artifact directory:
// temp file, fsync, rename, then digest. Identical content to a prior
// artifact (same sha256) advances without creating a new record.
func (w *Writer) Write(taskID, lease, relPath string, data []byte) (task.ArtifactRef, error) {
	timer := logging.StartTimer(logging.CategoryArtifact, "Write")
	defer timer.Stop()

	var ref task.ArtifactRef

	w.mu.Lock()
	held := w.leases[taskID] == lease
	w.mu.Unlock()
	if !held {
		return ref, fmt.Errorf("%w: write without lease for task %s", ErrLeaseHeld, taskID)
	}

	dest, err := w.resolve(taskID, relPath)
	if err != nil {
		return ref, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*")
	if err != nil {
		return ref, fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ref, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ref, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ref, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return ref, fmt.Errorf("%w: rename failed: %v", ErrIO, err)
	}

	// Digest what actually landed, not what we intended to write.
	landed, err := os.ReadFile(dest)
	if err != nil {
		return ref, fmt.Errorf("%w: %v", ErrIO, err)
	}
	sum := sha256.Sum256(landed)

	ref = task.ArtifactRef{
		RelativePath: relPath,
		SHA256:       fmt.Sprintf("%x", sum),
		Size:         int64(len(landed)),
		WrittenAt:    time.Now(),
	}

	// Digest-based dedup: re-running a task with identical output must not
	// grow the artifact record list.
	duplicate := false
	err = w.store.Update(taskID, func(rec *task.Record) {
		if rec.HasArtifact(ref.SHA256) {
			duplicate = true
			return
		}
		rec.ProducedArtifacts = append(rec.ProducedArtifacts, ref)
	})
	if err != nil {
		return ref, err
	}

	if duplicate {
		logging.Get(logging.CategoryArtifact).Debug("Task %s artifact %s unchanged (digest %s)", taskID, relPath, ref.SHA256[:12])
	} else {
		logging.Get(logging.CategoryArtifact).Info("Task %s wrote %s (%d bytes)", taskID, relPath, ref.Size)
	}
	return ref, nil
}

// File is one pending artifact for WriteAll.
type File struct {
	RelativePath string
	Data         []byte
}

// WriteAll persists a batch of files under the caller's lease, writing up to
// four files concurrently. Returned refs keep the input order. The first
// failure cancels the batch; files already renamed into place stay on disk
// and are reconciled by the next attempt's digest dedup.
func (w *Writer) WriteAll(taskID, lease string, files []File) ([]task.ArtifactRef, error) {
	refs := make([]task.ArtifactRef, len(files))
	var g errgroup.Group
	g.SetLimit(4)
	for i, f := range files {
		g.Go(func() error {
			ref, err := w.Write(taskID, lease, f.RelativePath, f.Data)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// Read returns the artifact bytes after verifying them against the recorded
// digest.
func (w *Writer) Read(taskID, relPath string) ([]byte, error) {
	dest, err := w.resolve(taskID, relPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	t, ok := w.store.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	var recorded string
	for _, a := range t.Record.ProducedArtifacts {
		if a.RelativePath == relPath {
			recorded = a.SHA256
			break
		}
	}
	if recorded == "" {
		return nil, ErrNotFound
	}

	sum := sha256.Sum256(data)
	if fmt.Sprintf("%x", sum) != recorded {
		return nil, fmt.Errorf("%w: %s/%s digest mismatch", ErrIntegrity, taskID, relPath)
	}
	return data, nil
}

// resolve validates relPath and maps it under the task's artifact directory.
// Violations fail closed.
func (w *Writer) resolve(taskID, relPath string) (string, error) {
	if !task.SafeRelativePath(relPath) {
		return "", fmt.Errorf("%w: %q", ErrPathViolation, relPath)
	}
	root := w.store.ArtifactsDir(taskID)
	dest := filepath.Join(root, relPath)
	// Join cleans the path; re-check containment against the root.
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes task directory", ErrPathViolation, relPath)
	}
	return dest, nil
}
