package config

import "time"

// DispatchConfig configures the agent registry and dispatcher.
type DispatchConfig struct {
	// Tool bindings: capability name -> registered constructor name.
	// Capabilities absent from the map are unavailable to every role.
	ToolBindings map[string]string `yaml:"tool_bindings"`

	// Per-role tool capability grants. Roles absent from the map get no tools.
	RoleTools map[string][]string `yaml:"role_tools"`

	// Roles allowed to write SECRET-sensitivity memory records.
	SecretWriteRoles []string `yaml:"secret_write_roles"`

	// Context composition.
	ContextK           int `yaml:"context_k"`            // Memory search fan-out, default 8
	ContextTokenBudget int `yaml:"context_token_budget"` // Default 4000

	// Prompt template directory. Empty means built-in templates.
	TemplateDir string `yaml:"template_dir"`

	// Deadline for executors to honor cancellation.
	CancelDeadline string `yaml:"cancel_deadline"` // Default 30s
}

// DefaultDispatchConfig returns sensible defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ContextK:           8,
		ContextTokenBudget: 4000,
		CancelDeadline:     "30s",
		RoleTools: map[string][]string{
			"coordinator":    {"task_query"},
			"technical_lead": {"repo_commit", "task_query"},
			"backend":        {"database_query", "repo_commit", "test_run"},
			"frontend":       {"repo_commit", "test_run"},
			"ux":             {"repo_commit"},
			"product":        {"task_query"},
			"qa":             {"test_run", "repo_commit"},
			"documentation":  {"repo_commit"},
		},
	}
}

// CancelDeadlineDuration returns the parsed executor cancellation deadline.
func (c DispatchConfig) CancelDeadlineDuration() time.Duration {
	return parseDuration(c.CancelDeadline, 30*time.Second)
}
