// Package graph compiles a task set into an executable DAG: adjacency in both
// directions, topological layers, and the effort-weighted critical path.
// Validation is all-or-nothing; every violation in the input is reported in
// one aggregated error.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"conductor/internal/logging"
	"conductor/internal/task"
)

// BuildError aggregates every validation violation found in the task set.
type BuildError struct {
	Violations []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("invalid task graph (%d violations):\n  %s",
		len(e.Violations), strings.Join(e.Violations, "\n  "))
}

// DAG is the compiled, validated task graph. Structure (nodes and edges) is
// immutable after Build; only effort weights may change via Recompute.
type DAG struct {
	defs map[string]task.Definition

	// dependents[a] lists tasks that depend on a (forward edges for
	// execution order); dependencies[a] lists what a waits for.
	dependents   map[string][]string
	dependencies map[string][]string

	layers [][]string

	// Critical path state, recomputed on effort changes.
	dist     map[string]time.Duration
	critical map[string]bool
	path     []string
}

// Build validates and compiles the task definitions into a DAG.
func Build(defs []task.Definition) (*DAG, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Build")
	defer timer.Stop()

	var violations []string

	d := &DAG{
		defs:         make(map[string]task.Definition, len(defs)),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
	}

	for _, def := range defs {
		if _, dup := d.defs[def.ID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate task id %s", def.ID))
			continue
		}
		d.defs[def.ID] = def
	}

	for _, def := range d.defs {
		seen := make(map[string]bool)
		for _, dep := range def.DependsOn {
			if seen[dep] {
				violations = append(violations, fmt.Sprintf("task %s lists dependency %s twice", def.ID, dep))
				continue
			}
			seen[dep] = true
			if _, ok := d.defs[dep]; !ok {
				violations = append(violations, fmt.Sprintf("task %s depends on unknown task %s", def.ID, dep))
				continue
			}
			d.dependencies[def.ID] = append(d.dependencies[def.ID], dep)
			d.dependents[dep] = append(d.dependents[dep], def.ID)
		}
	}

	// Kahn's algorithm; whatever survives with a nonzero in-degree is part of
	// (or downstream of) a cycle.
	layers, residual := d.kahnLayers()
	if len(residual) > 0 {
		sort.Strings(residual)
		violations = append(violations, fmt.Sprintf("dependency cycle involving: %s", strings.Join(residual, ", ")))
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		logging.Get(logging.CategoryGraph).Error("Graph build rejected: %d violations", len(violations))
		return nil, &BuildError{Violations: violations}
	}

	d.layers = layers
	d.recomputeAll()
	logging.Get(logging.CategoryGraph).Info("Built DAG: %d tasks, %d layers, critical path %d tasks (%v)",
		len(d.defs), len(d.layers), len(d.path), d.CriticalPathDuration())
	return d, nil
}

// kahnLayers peels zero-in-degree layers. The second return value lists nodes
// never reached, i.e. cycle members and their downstream.
func (d *DAG) kahnLayers() ([][]string, []string) {
	indeg := make(map[string]int, len(d.defs))
	for id := range d.defs {
		indeg[id] = len(d.dependencies[id])
	}

	var layers [][]string
	remaining := len(d.defs)
	for {
		var layer []string
		for id, deg := range indeg {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			break
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		remaining -= len(layer)
		for _, id := range layer {
			delete(indeg, id)
			for _, next := range d.dependents[id] {
				if _, ok := indeg[next]; ok {
					indeg[next]--
				}
			}
		}
	}

	var residual []string
	for id := range indeg {
		residual = append(residual, id)
	}
	return layers, residual
}

// Size returns the number of tasks.
func (d *DAG) Size() int { return len(d.defs) }

// Definition returns a task definition by id.
func (d *DAG) Definition(id string) (task.Definition, bool) {
	def, ok := d.defs[id]
	return def, ok
}

// Dependencies returns the tasks id waits for.
func (d *DAG) Dependencies(id string) []string { return d.dependencies[id] }

// Dependents returns the tasks waiting on id.
func (d *DAG) Dependents(id string) []string { return d.dependents[id] }

// Layers returns the topological layers, roots first.
func (d *DAG) Layers() [][]string { return d.layers }

// Roots returns tasks with no dependencies, sorted by id.
func (d *DAG) Roots() []string {
	if len(d.layers) == 0 {
		return nil
	}
	return d.layers[0]
}

// Descendants returns every task transitively downstream of id.
func (d *DAG) Descendants(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), d.dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, d.dependents[cur]...)
	}
	sort.Strings(out)
	return out
}

// OnCriticalPath reports whether id belongs to the current critical path.
func (d *DAG) OnCriticalPath(id string) bool { return d.critical[id] }

// CriticalPath returns the longest-effort chain, roots first.
func (d *DAG) CriticalPath() []string { return append([]string(nil), d.path...) }

// CriticalPathDuration returns the summed effort along the critical path.
func (d *DAG) CriticalPathDuration() time.Duration {
	var total time.Duration
	for _, id := range d.path {
		total += d.defs[id].Effort
	}
	return total
}

// SetEffort updates one task's effort estimate and recomputes the critical
// path over the affected subgraph only.
func (d *DAG) SetEffort(id string, effort time.Duration) error {
	def, ok := d.defs[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	def.Effort = effort
	d.defs[id] = def
	d.recomputeFrom(id)
	return nil
}

// recomputeAll computes longest distances over the full graph in layer order.
func (d *DAG) recomputeAll() {
	d.dist = make(map[string]time.Duration, len(d.defs))
	for _, layer := range d.layers {
		for _, id := range layer {
			d.dist[id] = d.longestTo(id)
		}
	}
	d.rebuildPath()
}

// recomputeFrom recomputes distances for id and its descendants, leaving the
// untouched part of the graph alone.
func (d *DAG) recomputeFrom(id string) {
	affected := map[string]bool{id: true}
	for _, desc := range d.Descendants(id) {
		affected[desc] = true
	}
	for _, layer := range d.layers {
		for _, n := range layer {
			if affected[n] {
				d.dist[n] = d.longestTo(n)
			}
		}
	}
	d.rebuildPath()
}

func (d *DAG) longestTo(id string) time.Duration {
	best := time.Duration(0)
	for _, dep := range d.dependencies[id] {
		if d.dist[dep] > best {
			best = d.dist[dep]
		}
	}
	return best + d.defs[id].Effort
}

// rebuildPath walks back from the farthest terminal, breaking ties by
// lexicographic task id.
func (d *DAG) rebuildPath() {
	d.critical = make(map[string]bool)
	d.path = nil

	// Terminal tasks have no dependents.
	end := ""
	var endDist time.Duration
	for id := range d.defs {
		if len(d.dependents[id]) > 0 {
			continue
		}
		if end == "" || d.dist[id] > endDist || (d.dist[id] == endDist && id < end) {
			end = id
			endDist = d.dist[id]
		}
	}
	if end == "" {
		return
	}

	// Walk predecessors, always picking the dependency that realizes the
	// distance, tie-break lexicographic.
	var chain []string
	cur := end
	for {
		chain = append(chain, cur)
		d.critical[cur] = true
		want := d.dist[cur] - d.defs[cur].Effort
		next := ""
		for _, dep := range d.dependencies[cur] {
			if d.dist[dep] != want {
				continue
			}
			if next == "" || dep < next {
				next = dep
			}
		}
		if next == "" {
			break
		}
		cur = next
	}

	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	d.path = chain
}
