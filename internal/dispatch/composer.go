package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/task"
)

// ContextSnippet is one memory search hit selected for prompt injection.
type ContextSnippet struct {
	Domain  string
	Key     string
	Score   float64
	Content string
}

// Composer builds the per-task execution context: memory retrieval scoped to
// the task's context topics, packed to a token budget, rendered through a
// role template.
type Composer struct {
	engine    *memory.Engine
	cfg       config.DispatchConfig
	templates map[string]*template.Template
}

// NewComposer creates a composer. Role templates load from cfg.TemplateDir
// when set, otherwise the built-in defaults apply. Templates are data;
// unknown placeholders fail the render, not the run.
func NewComposer(engine *memory.Engine, cfg config.DispatchConfig) (*Composer, error) {
	c := &Composer{
		engine:    engine,
		cfg:       cfg,
		templates: make(map[string]*template.Template),
	}

	for _, role := range Roles {
		text := defaultTemplate
		if cfg.TemplateDir != "" {
			path := filepath.Join(cfg.TemplateDir, role+".tmpl")
			if data, err := os.ReadFile(path); err == nil {
				text = string(data)
			}
		}
		tmpl, err := template.New(role).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid template for role %s: %w", role, err)
		}
		c.templates[role] = tmpl
	}
	return c, nil
}

// defaultTemplate is the fallback role prompt. Placeholders resolve against
// the map built in Compose; anything unresolved fails closed.
const defaultTemplate = `You are the {{.role}} agent.

Task {{.task_id}}: {{.title}}
{{.description}}

Relevant context:
{{.context}}

Expected artifacts: {{.artifacts}}
{{.rework}}`

// Compose retrieves context and renders the role prompt for a task.
func (c *Composer) Compose(ctx context.Context, def task.Definition, reworkNotes string) (string, []ContextSnippet, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "Compose")
	defer timer.Stop()

	snippets, err := c.retrieve(ctx, def)
	if err != nil {
		// Retrieval failure degrades to an uninformed prompt; the task can
		// still run.
		logging.Get(logging.CategoryDispatch).Warn("Context retrieval failed for %s: %v", def.ID, err)
	}

	var contextBlock strings.Builder
	if len(snippets) == 0 {
		contextBlock.WriteString("(none)")
	}
	for _, s := range snippets {
		fmt.Fprintf(&contextBlock, "- [%s/%s] %s\n", s.Domain, s.Key, s.Content)
	}

	rework := ""
	if reworkNotes != "" {
		rework = "Previous attempt was sent back for rework:\n" + reworkNotes
	}

	data := map[string]string{
		"role":        def.Owner,
		"task_id":     def.ID,
		"title":       def.Title,
		"description": def.Description,
		"context":     contextBlock.String(),
		"artifacts":   strings.Join(def.ExpectedArtifacts, ", "),
		"rework":      rework,
	}

	tmpl, ok := c.templates[def.Owner]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownRole, def.Owner)
	}

	// An unresolved placeholder is a validation failure, not an executor
	// fault; the scheduler routes it to rework instead of the retry ladder.
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", nil, fmt.Errorf("%w: template render failed for role %s: %v", ErrInvalidShape, def.Owner, err)
	}
	return out.String(), snippets, nil
}

// retrieve queries the memory engine over the task's context topics and
// packs the top hits into the token budget.
func (c *Composer) retrieve(ctx context.Context, def task.Definition) ([]ContextSnippet, error) {
	if c.engine == nil || len(def.ContextTopics) == 0 {
		return nil, nil
	}

	k := c.cfg.ContextK
	if k <= 0 {
		k = 8
	}
	query := def.Title
	if def.Description != "" {
		query += " " + def.Description
	}

	hits, err := c.engine.Search(ctx, def.ContextTopics, query, k)
	if err != nil {
		return nil, err
	}

	budget := c.cfg.ContextTokenBudget
	if budget <= 0 {
		budget = 4000
	}

	var snippets []ContextSnippet
	used := 0
	for _, h := range hits {
		cost := estimateTokens(h.Snippet)
		if used+cost > budget {
			break
		}
		used += cost
		snippets = append(snippets, ContextSnippet{
			Domain:  h.Domain,
			Key:     h.Key,
			Score:   h.Score,
			Content: h.Snippet,
		})
	}
	logging.Get(logging.CategoryDispatch).Debug("Composed %d snippets (%d/%d tokens) for %s",
		len(snippets), used, budget, def.ID)
	return snippets, nil
}

// estimateTokens approximates tokens at four characters each, the usual
// rule of thumb for English prose.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
