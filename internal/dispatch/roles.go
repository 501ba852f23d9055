// Package dispatch binds READY tasks to role executors: it composes the
// execution request (context snippets, prompt, tool set) and validates what
// comes back. Executors are registered at startup; there is no dynamic
// loading.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/task"
)

// Roles is the closed set of worker roles.
var Roles = []string{
	"coordinator",
	"technical_lead",
	"backend",
	"frontend",
	"ux",
	"product",
	"qa",
	"documentation",
}

// KnownRoles returns the role set as a lookup map for the task loader.
func KnownRoles() map[string]bool {
	m := make(map[string]bool, len(Roles))
	for _, r := range Roles {
		m[r] = true
	}
	return m
}

var (
	// ErrUnknownRole is returned when no executor is registered for a role.
	ErrUnknownRole = errors.New("dispatch: unknown role")

	// ErrInvalidShape is returned when an executor result fails shape
	// validation or a prompt template fails to render. The scheduler maps
	// this to NEEDS_REWORK without QA.
	ErrInvalidShape = errors.New("dispatch: invalid result shape")
)

// OutputFile is one file an executor wants persisted.
type OutputFile struct {
	Path string
	Data []byte
}

// Result is what an executor returns.
type Result struct {
	Summary   string
	Artifacts []OutputFile
	Notes     string
}

// Request is the composed execution request handed to an executor.
type Request struct {
	Task      task.Definition
	Attempt   int
	Prompt    string
	Snippets  []ContextSnippet
	Tools     []Tool
	OutputDir string
	// ReworkNotes carries reviewer feedback from a previous attempt.
	ReworkNotes string
}

// Executor runs one task for one role. Implementations must honor ctx
// cancellation within the configured deadline.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFactory builds an executor instance for a role.
type ExecutorFactory func(role string) Executor

// Profile declares what a role may do and how long it may run.
type Profile struct {
	Role     string
	ToolCaps []string // Tool capabilities the role may consume
	Timeout  time.Duration
}

// Registry maps roles to executor factories and profiles.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ExecutorFactory
	profiles  map[string]Profile
}

// NewRegistry creates an empty role registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ExecutorFactory),
		profiles:  make(map[string]Profile),
	}
}

// RegisterExecutor binds a role to an executor factory.
func (r *Registry) RegisterExecutor(role string, factory ExecutorFactory) error {
	if !KnownRoles()[role] {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[role] = factory
	logging.Dispatch("Registered executor for role %s", role)
	return nil
}

// DefineProfile sets a role's capability profile.
func (r *Registry) DefineProfile(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Role] = p
}

// Executor returns a fresh executor for a role.
func (r *Registry) Executor(role string) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[role]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return factory(role), nil
}

// Profile returns a role's profile; zero profile if undefined.
func (r *Registry) Profile(role string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[role]
}

// RegisteredRoles lists roles with executors, sorted.
func (r *Registry) RegisteredRoles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for role := range r.factories {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
