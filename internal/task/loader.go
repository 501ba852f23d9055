package task

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/logging"
)

// Loader reads task definitions from a directory, one YAML file per task.
// Every violation across the whole set is collected and the load fails as a
// unit; a half-loaded run never executes.
type Loader struct {
	// KnownRoles validates the owner field when non-empty.
	KnownRoles map[string]bool
}

// LoadDir loads and validates all task definitions under dir.
func (l *Loader) LoadDir(dir string) ([]Definition, error) {
	timer := logging.StartTimer(logging.CategoryTask, "LoadDir")
	defer timer.Stop()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read task directory: %w", err)
	}

	var defs []Definition
	var violations []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		def, errs := l.parse(data)
		for _, e := range errs {
			violations = append(violations, fmt.Sprintf("%s: %v", name, e))
		}
		if len(errs) == 0 {
			defs = append(defs, def)
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		logging.Get(logging.CategoryTask).Error("Task load failed with %d violations", len(violations))
		return nil, fmt.Errorf("task load failed:\n  %s", strings.Join(violations, "\n  "))
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	logging.Get(logging.CategoryTask).Info("Loaded %d task definitions from %s", len(defs), dir)
	return defs, nil
}

// parse decodes a single definition with strict field checking and validates
// it. All violations for the file are returned, not just the first.
func (l *Loader) parse(data []byte) (Definition, []error) {
	var def Definition

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return def, []error{fmt.Errorf("schema violation: %w", err)}
	}
	// A second document in one file is a mistake worth rejecting.
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return def, []error{errors.New("multiple documents in one task file")}
	}

	var errs []error
	if def.ID == "" {
		errs = append(errs, errors.New("missing required field: id"))
	} else if !SafeTaskID(def.ID) {
		errs = append(errs, fmt.Errorf("invalid task id %q", def.ID))
	}
	if def.Title == "" {
		errs = append(errs, errors.New("missing required field: title"))
	}
	if def.Owner == "" {
		errs = append(errs, errors.New("missing required field: owner"))
	} else if l.KnownRoles != nil && !l.KnownRoles[def.Owner] {
		errs = append(errs, fmt.Errorf("unknown owner role %q", def.Owner))
	}
	if def.InitialState != "" && State(def.InitialState) != StateDeclared {
		errs = append(errs, fmt.Errorf("initial state must be %s, got %q", StateDeclared, def.InitialState))
	}

	var err error
	if def.Priority, err = ParsePriority(def.PriorityName); err != nil {
		errs = append(errs, err)
	}
	if def.Risk, err = ParseRiskTier(def.RiskTierName); err != nil {
		errs = append(errs, err)
	}
	if def.EstimatedEffort != "" {
		if def.Effort, err = time.ParseDuration(def.EstimatedEffort); err != nil {
			errs = append(errs, fmt.Errorf("invalid estimated_effort %q", def.EstimatedEffort))
		} else if def.Effort <= 0 {
			errs = append(errs, fmt.Errorf("estimated_effort must be positive, got %s", def.EstimatedEffort))
		}
	}

	for _, dep := range def.DependsOn {
		if dep == def.ID {
			errs = append(errs, fmt.Errorf("task %s depends on itself", def.ID))
		}
	}
	for _, p := range def.ExpectedArtifacts {
		if !SafeRelativePath(p) {
			errs = append(errs, fmt.Errorf("unsafe expected artifact path %q", p))
		}
	}

	return def, errs
}

// SafeTaskID reports whether id can serve as a directory name under the
// state directory. Allowed characters are letters, digits, dot, dash, and
// underscore; separators, traversal, and leading dots fail closed.
func SafeTaskID(id string) bool {
	if id == "" || len(id) > 128 || id[0] == '.' {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// SafeRelativePath reports whether p is a clean relative path that stays
// inside its root. Absolute paths and any ".." traversal fail closed.
func SafeRelativePath(p string) bool {
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "\\") {
		return false
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}
