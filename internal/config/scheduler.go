package config

import "time"

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// Global cap on concurrently running tasks.
	MaxParallel int `yaml:"max_parallel"`

	// Per-role caps on concurrently running tasks. Roles absent from the map
	// fall back to the global cap.
	RoleCaps map[string]int `yaml:"role_caps"`

	// Retry policy for executor failures.
	MaxAttempts   int     `yaml:"max_attempts"`
	BackoffBase   string  `yaml:"backoff_base"`   // Default 30s
	BackoffFactor float64 `yaml:"backoff_factor"` // Default 2.0
	BackoffJitter float64 `yaml:"backoff_jitter"` // Fraction, default 0.25

	// Hard per-task timeout bounds. Effective timeout is
	// clamp(TimeoutMultiple * estimated_effort, TimeoutMin, TimeoutMax).
	TimeoutMultiple float64 `yaml:"timeout_multiple"` // Default 4
	TimeoutMin      string  `yaml:"timeout_min"`      // Default 5m
	TimeoutMax      string  `yaml:"timeout_max"`      // Default 2h

	// Grace period for cooperative cancellation before a worker is abandoned.
	CancelGrace string `yaml:"cancel_grace"` // Default 30s

	// Drain window for graceful shutdown before forcing exit code 2.
	DrainWindow string `yaml:"drain_window"` // Default 2m

	// Minimum fraction of DONE tasks for exit code 0. Default 1.0.
	DoneThreshold float64 `yaml:"done_threshold"`
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxParallel:     4,
		MaxAttempts:     3,
		BackoffBase:     "30s",
		BackoffFactor:   2.0,
		BackoffJitter:   0.25,
		TimeoutMultiple: 4,
		TimeoutMin:      "5m",
		TimeoutMax:      "2h",
		CancelGrace:     "30s",
		DrainWindow:     "2m",
		DoneThreshold:   1.0,
	}
}

// BackoffBaseDuration returns the parsed backoff base.
func (c SchedulerConfig) BackoffBaseDuration() time.Duration {
	return parseDuration(c.BackoffBase, 30*time.Second)
}

// TimeoutBounds returns the parsed min and max hard-timeout bounds.
func (c SchedulerConfig) TimeoutBounds() (min, max time.Duration) {
	return parseDuration(c.TimeoutMin, 5*time.Minute), parseDuration(c.TimeoutMax, 2*time.Hour)
}

// CancelGraceDuration returns the parsed cancellation grace period.
func (c SchedulerConfig) CancelGraceDuration() time.Duration {
	return parseDuration(c.CancelGrace, 30*time.Second)
}

// DrainWindowDuration returns the parsed graceful-shutdown drain window.
func (c SchedulerConfig) DrainWindowDuration() time.Duration {
	return parseDuration(c.DrainWindow, 2*time.Minute)
}

// RoleCap returns the concurrency cap for a role.
func (c SchedulerConfig) RoleCap(role string) int {
	if cap, ok := c.RoleCaps[role]; ok && cap > 0 {
		return cap
	}
	return c.MaxParallel
}
