package artifact

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/task"
)

func newTestWriter(t *testing.T) (*Writer, *task.Store) {
	t.Helper()
	store, err := task.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Register(task.Definition{ID: "t1", Title: "T1", Owner: "implementer"}))
	return NewWriter(store), store
}

func TestWriteRecordsDigest(t *testing.T) {
	w, store := newTestWriter(t)
	lease, err := w.Acquire("t1")
	require.NoError(t, err)
	defer w.Release("t1", lease)

	data := []byte("package main\n")
	ref, err := w.Write("t1", lease, "src/main.go", data)
	require.NoError(t, err)

	want := fmt.Sprintf("%x", sha256.Sum256(data))
	assert.Equal(t, want, ref.SHA256)
	assert.Equal(t, int64(len(data)), ref.Size)

	got, ok := store.Get("t1")
	require.True(t, ok)
	require.Len(t, got.Record.ProducedArtifacts, 1)
	assert.Equal(t, "src/main.go", got.Record.ProducedArtifacts[0].RelativePath)
}

func TestWriteDedupsIdenticalContent(t *testing.T) {
	w, store := newTestWriter(t)
	lease, err := w.Acquire("t1")
	require.NoError(t, err)
	defer w.Release("t1", lease)

	_, err = w.Write("t1", lease, "a.txt", []byte("same"))
	require.NoError(t, err)
	_, err = w.Write("t1", lease, "a.txt", []byte("same"))
	require.NoError(t, err)

	got, _ := store.Get("t1")
	assert.Len(t, got.Record.ProducedArtifacts, 1)
}

func TestWriteRequiresLease(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Write("t1", "bogus-lease", "a.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrLeaseHeld)

	lease, err := w.Acquire("t1")
	require.NoError(t, err)
	_, err = w.Acquire("t1")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Releasing with a stale id keeps the real lease intact.
	w.Release("t1", "stale")
	_, err = w.Acquire("t1")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	w.Release("t1", lease)
	_, err = w.Acquire("t1")
	assert.NoError(t, err)
}

func TestWriteRejectsUnsafePaths(t *testing.T) {
	w, _ := newTestWriter(t)
	lease, err := w.Acquire("t1")
	require.NoError(t, err)
	defer w.Release("t1", lease)

	for _, p := range []string{"../escape.txt", "/abs.txt", "a/../../b"} {
		_, err := w.Write("t1", lease, p, []byte("x"))
		assert.ErrorIs(t, err, ErrPathViolation, "path %q", p)
	}
}

func TestReadVerifiesDigest(t *testing.T) {
	w, store := newTestWriter(t)
	lease, err := w.Acquire("t1")
	require.NoError(t, err)

	_, err = w.Write("t1", lease, "a.txt", []byte("original"))
	require.NoError(t, err)
	w.Release("t1", lease)

	got, err := w.Read("t1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Corrupting the file on disk must surface as an integrity error, not
	// silently serve the altered bytes.
	onDisk := filepath.Join(store.ArtifactsDir("t1"), "a.txt")
	require.NoError(t, os.WriteFile(onDisk, []byte("tampered"), 0644))
	_, err = w.Read("t1", "a.txt")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestReadUnknownArtifact(t *testing.T) {
	w, _ := newTestWriter(t)
	_, err := w.Read("t1", "never-written.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteAllPreservesOrder(t *testing.T) {
	w, _ := newTestWriter(t)
	lease, err := w.Acquire("t1")
	require.NoError(t, err)
	defer w.Release("t1", lease)

	files := make([]File, 8)
	for i := range files {
		files[i] = File{
			RelativePath: fmt.Sprintf("out/%d.txt", i),
			Data:         []byte(fmt.Sprintf("content %d", i)),
		}
	}

	refs, err := w.WriteAll("t1", lease, files)
	require.NoError(t, err)
	require.Len(t, refs, len(files))
	for i, ref := range refs {
		assert.Equal(t, files[i].RelativePath, ref.RelativePath)
	}
}

func TestWriteAllFailsClosed(t *testing.T) {
	w, _ := newTestWriter(t)
	lease, err := w.Acquire("t1")
	require.NoError(t, err)
	defer w.Release("t1", lease)

	files := []File{
		{RelativePath: "good.txt", Data: []byte("ok")},
		{RelativePath: "../bad.txt", Data: []byte("no")},
	}
	_, err = w.WriteAll("t1", lease, files)
	assert.ErrorIs(t, err, ErrPathViolation)
}
