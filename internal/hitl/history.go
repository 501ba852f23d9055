package hitl

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
)

// History persists per-task failure counters across runs. Weights decay
// exponentially with the configured half-life, so a task that failed often
// a month ago scores lower than one failing today.
type History struct {
	mu       sync.Mutex
	db       *sql.DB
	halfLife time.Duration
	now      func() time.Time
}

// OpenHistory opens (or creates) the failure history database under dir.
func OpenHistory(dir string, halfLife time.Duration) (*History, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	path := filepath.Join(dir, "history.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryHITL).Debug("Failed to set %s: %v", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS failure_history (
		task_id TEXT PRIMARY KEY,
		weight REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	if halfLife <= 0 {
		halfLife = 720 * time.Hour
	}
	logging.Get(logging.CategoryHITL).Info("Failure history ready at %s (half-life %v)", path, halfLife)
	return &History{db: db, halfLife: halfLife, now: time.Now}, nil
}

// Close closes the database.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Close()
}

// RecordFailure adds one failure to a task's decayed counter.
func (h *History) RecordFailure(taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	weight, updated, err := h.fetchLocked(taskID)
	if err != nil {
		return err
	}
	weight = h.decay(weight, updated, now) + 1

	_, err = h.db.Exec(`
		INSERT INTO failure_history (task_id, weight, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at`,
		taskID, weight, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", taskID, err)
	}
	logging.Get(logging.CategoryHITL).Debug("Failure recorded for %s (weight now %.2f)", taskID, weight)
	return nil
}

// Penalty maps a task's decayed failure weight to the 0..3 risk points the
// scorer consumes.
func (h *History) Penalty(taskID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	weight, updated, err := h.fetchLocked(taskID)
	if err != nil {
		return 0, err
	}
	weight = h.decay(weight, updated, h.now())

	// A weight recorded moments ago already sits a hair below its integer
	// value; the tolerance keeps the threshold comparisons stable.
	const tolerance = 1e-6
	switch {
	case weight+tolerance >= 3:
		return 3, nil
	case weight+tolerance >= 2:
		return 2, nil
	case weight+tolerance >= 1:
		return 1, nil
	default:
		return 0, nil
	}
}

func (h *History) fetchLocked(taskID string) (float64, time.Time, error) {
	var weight float64
	var updatedMillis int64
	err := h.db.QueryRow(`SELECT weight, updated_at FROM failure_history WHERE task_id = ?`, taskID).
		Scan(&weight, &updatedMillis)
	if err == sql.ErrNoRows {
		return 0, h.now(), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read history for %s: %w", taskID, err)
	}
	return weight, time.UnixMilli(updatedMillis), nil
}

// decay applies exponential half-life decay to a weight recorded at `from`.
func (h *History) decay(weight float64, from, to time.Time) float64 {
	if weight == 0 || !to.After(from) {
		return weight
	}
	halves := to.Sub(from).Hours() / h.halfLife.Hours()
	return weight * math.Pow(0.5, halves)
}
