package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/memory"
)

var (
	// ErrUnknownTool is returned when a capability has no bound constructor.
	ErrUnknownTool = errors.New("dispatch: unknown tool")

	// ErrCapabilityDenied is returned when a tool attempts an operation its
	// grant does not cover.
	ErrCapabilityDenied = errors.New("dispatch: capability denied")
)

// Tool is one capability an executor may invoke synchronously.
type Tool interface {
	// Name returns the capability name (e.g. "database_query").
	Name() string

	// Invoke runs the tool. Arguments and results are schemaless maps; the
	// executor and tool agree on shape.
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// ToolConstructor builds a tool instance. Configuration names map to
// pre-registered constructors; there is no reflection.
type ToolConstructor func() (Tool, error)

// ToolRegistry resolves capability names to tools at init and wraps every
// instance with call tracing.
type ToolRegistry struct {
	mu           sync.RWMutex
	constructors map[string]ToolConstructor
	bindings     map[string]string // Capability -> constructor name
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		constructors: make(map[string]ToolConstructor),
		bindings:     make(map[string]string),
	}
}

// RegisterConstructor registers a named tool constructor.
func (tr *ToolRegistry) RegisterConstructor(name string, ctor ToolConstructor) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.constructors[name] = ctor
	logging.ToolsDebug("Registered tool constructor %s", name)
}

// Bind maps a capability name to a registered constructor. Unbound
// capabilities are unavailable to every role.
func (tr *ToolRegistry) Bind(capability, constructor string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.constructors[constructor]; !ok {
		return fmt.Errorf("%w: constructor %s for capability %s", ErrUnknownTool, constructor, capability)
	}
	tr.bindings[capability] = constructor
	return nil
}

// Resolve builds traced tool instances for the requested capabilities,
// scoped to one task. Unbound capabilities are silently dropped; a role
// granted a capability nobody wired simply works without it.
func (tr *ToolRegistry) Resolve(taskID string, capabilities []string) ([]Tool, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	var tools []Tool
	for _, capName := range capabilities {
		ctorName, bound := tr.bindings[capName]
		if !bound {
			continue
		}
		ctor := tr.constructors[ctorName]
		tool, err := ctor()
		if err != nil {
			return nil, fmt.Errorf("failed to construct tool %s: %w", capName, err)
		}
		tools = append(tools, &tracedTool{taskID: taskID, inner: tool})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools, nil
}

// Capabilities lists bound capability names, sorted.
func (tr *ToolRegistry) Capabilities() []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]string, 0, len(tr.bindings))
	for capName := range tr.bindings {
		out = append(out, capName)
	}
	sort.Strings(out)
	return out
}

// tracedTool wraps a tool with per-call tracing:
// (task_id, tool, arguments_hash, duration, outcome).
type tracedTool struct {
	taskID string
	inner  Tool
}

func (t *tracedTool) Name() string { return t.inner.Name() }

func (t *tracedTool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	start := time.Now()
	result, err := t.inner.Invoke(ctx, args)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	logging.Get(logging.CategoryTools).Info("tool_exec task=%s tool=%s args=%s dur=%v outcome=%s",
		t.taskID, t.inner.Name(), argsHash(args), time.Since(start), outcome)
	return result, err
}

func argsHash(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

// =============================================================================
// MEMORY WRITE TOOL
// =============================================================================

// MemoryWriteTool exposes memory puts as a tool capability. Writing at
// SECRET sensitivity requires an explicit grant; everything else is denied
// at that level.
type MemoryWriteTool struct {
	Engine      *memory.Engine
	AllowSecret bool
}

// Name returns the capability name.
func (t *MemoryWriteTool) Name() string { return "memory_write" }

// Invoke stores args["content"] under (args["domain"], args["key"]).
func (t *MemoryWriteTool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	domain, _ := args["domain"].(string)
	key, _ := args["key"].(string)
	content, _ := args["content"].(string)
	sensName, _ := args["sensitivity"].(string)

	sens, err := memory.ParseSensitivity(sensName)
	if err != nil {
		return nil, err
	}
	if sens == memory.SensitivitySecret && !t.AllowSecret {
		return nil, fmt.Errorf("%w: SECRET memory writes require an explicit grant", ErrCapabilityDenied)
	}
	return t.Engine.Put(ctx, domain, key, content, sens, memory.PutOptions{})
}

// MemoryReadTool exposes memory gets as a tool capability.
type MemoryReadTool struct {
	Engine *memory.Engine
}

// Name returns the capability name.
func (t *MemoryReadTool) Name() string { return "memory_read" }

// Invoke fetches the record at (args["domain"], args["key"]).
func (t *MemoryReadTool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	domain, _ := args["domain"].(string)
	key, _ := args["key"].(string)
	return t.Engine.Get(ctx, domain, key)
}
