package task

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTaskFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirParsesDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "build.yaml", `
id: build-api
title: Build the API
owner: implementer
priority: HIGH
risk_tier: MED
estimated_effort: 2h
depends_on: [design-api]
expected_artifacts:
  - src/api/server.go
`)
	writeTaskFile(t, dir, "design.yaml", `
id: design-api
title: Design the API
owner: architect
`)
	writeTaskFile(t, dir, "notes.txt", "not a task file")

	defs, err := (&Loader{}).LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 {
		t.Fatalf("loaded %d definitions, want 2", len(defs))
	}

	// Sorted by id, so build-api first.
	build := defs[0]
	if build.ID != "build-api" {
		t.Fatalf("first def is %s, want build-api", build.ID)
	}
	if build.Priority != PriorityHigh || build.Risk != RiskMed || build.Effort != 2*time.Hour {
		t.Errorf("parsed fields wrong: priority=%v risk=%v effort=%v", build.Priority, build.Risk, build.Effort)
	}

	design := defs[1]
	if design.Priority != PriorityMed || design.Risk != RiskLow {
		t.Errorf("defaults wrong: priority=%v risk=%v", design.Priority, design.Risk)
	}
}

func TestLoadDirAggregatesViolations(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "bad1.yaml", `
id: bad1
owner: implementer
priority: URGENT
`)
	writeTaskFile(t, dir, "bad2.yaml", `
id: bad2
title: Self loop
owner: implementer
depends_on: [bad2]
`)

	_, err := (&Loader{}).LoadDir(dir)
	if err == nil {
		t.Fatal("invalid task set accepted")
	}
	for _, want := range []string{"missing required field: title", "invalid priority", "depends on itself"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadDirRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "typo.yaml", `
id: typo
title: Typo
owner: implementer
priorty: HIGH
`)
	_, err := (&Loader{}).LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "schema violation") {
		t.Errorf("unknown field not rejected: %v", err)
	}
}

func TestLoadDirValidatesOwnerRole(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "t.yaml", `
id: t
title: T
owner: wizard
`)
	loader := &Loader{KnownRoles: map[string]bool{"implementer": true}}
	_, err := loader.LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), `unknown owner role "wizard"`) {
		t.Errorf("unknown role not rejected: %v", err)
	}
}

func TestLoadDirRejectsUnsafeArtifactPaths(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "t.yaml", `
id: t
title: T
owner: implementer
expected_artifacts:
  - ../escape.txt
`)
	_, err := (&Loader{}).LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "unsafe expected artifact path") {
		t.Errorf("traversal path not rejected: %v", err)
	}
}

func TestLoadDirRejectsUnsafeTaskID(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "t.yaml", `
id: ../../escape
title: T
owner: implementer
`)
	_, err := (&Loader{}).LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), `invalid task id "../../escape"`) {
		t.Errorf("traversal id not rejected: %v", err)
	}
}

func TestSafeTaskID(t *testing.T) {
	cases := map[string]bool{
		"build-api":    true,
		"T_42.final":   true,
		"":             false,
		"../../escape": false,
		"a/b":          false,
		`a\b`:          false,
		".hidden":      false,
		"..":           false,
		"with space":   false,
	}
	for id, want := range cases {
		if got := SafeTaskID(id); got != want {
			t.Errorf("SafeTaskID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestSafeRelativePath(t *testing.T) {
	cases := map[string]bool{
		"src/main.go":     true,
		"a.txt":           true,
		"nested/../a.txt": true, // Cleans to a.txt
		"":                false,
		"/etc/passwd":     false,
		"../outside":      false,
		"a/../../b":       false,
		`win\path`:        false,
	}
	for p, want := range cases {
		if got := SafeRelativePath(p); got != want {
			t.Errorf("SafeRelativePath(%q) = %v, want %v", p, got, want)
		}
	}
}
