package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conductor/internal/config"
	"conductor/internal/task"
)

func TestComposeRendersDefaultTemplate(t *testing.T) {
	c, err := NewComposer(nil, config.DefaultDispatchConfig())
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}

	def := task.Definition{
		ID:                "t-1",
		Title:             "Implement login endpoint",
		Description:       "POST /login with session cookie",
		Owner:             "backend",
		ExpectedArtifacts: []string{"api/login.go"},
	}

	prompt, snippets, err := c.Compose(context.Background(), def, "")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if len(snippets) != 0 {
		t.Fatalf("expected no snippets without a memory engine, got %d", len(snippets))
	}
	for _, want := range []string{"backend", "t-1", "Implement login endpoint", "api/login.go", "(none)"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestComposeIncludesReworkNotes(t *testing.T) {
	c, err := NewComposer(nil, config.DefaultDispatchConfig())
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}

	def := task.Definition{ID: "t-2", Title: "x", Owner: "qa"}
	prompt, _, err := c.Compose(context.Background(), def, "missing error cases")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !strings.Contains(prompt, "missing error cases") {
		t.Errorf("prompt should carry rework notes:\n%s", prompt)
	}
}

func TestComposeUnknownRole(t *testing.T) {
	c, err := NewComposer(nil, config.DefaultDispatchConfig())
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	def := task.Definition{ID: "t-3", Title: "x", Owner: "intern"}
	if _, _, err := c.Compose(context.Background(), def, ""); err == nil {
		t.Fatal("expected error for unregistered role")
	}
}

func TestComposeUnknownPlaceholderFailsClosed(t *testing.T) {
	dir := t.TempDir()
	custom := "Task {{.task_id}} depends on {{.nonexistent}}"
	if err := os.WriteFile(filepath.Join(dir, "backend.tmpl"), []byte(custom), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	cfg := config.DefaultDispatchConfig()
	cfg.TemplateDir = dir
	c, err := NewComposer(nil, cfg)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}

	def := task.Definition{ID: "t-4", Title: "x", Owner: "backend"}
	_, _, err = c.Compose(context.Background(), def, "")
	if !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("render error = %v, want ErrInvalidShape", err)
	}
}

func TestEstimateTokensMinimumOne(t *testing.T) {
	if got := estimateTokens("ab"); got != 1 {
		t.Errorf("estimateTokens(short) = %d, want 1", got)
	}
	if got := estimateTokens(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("estimateTokens(400 chars) = %d, want 100", got)
	}
}
