package graph

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"conductor/internal/task"
)

func def(id string, effort time.Duration, deps ...string) task.Definition {
	return task.Definition{ID: id, Title: id, Owner: "implementer", DependsOn: deps, Effort: effort}
}

func TestBuildLayersDiamond(t *testing.T) {
	d, err := Build([]task.Definition{
		def("a", time.Hour),
		def("b", time.Hour, "a"),
		def("c", time.Hour, "a"),
		def("d", time.Hour, "b", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if diff := cmp.Diff(want, d.Layers()); diff != "" {
		t.Errorf("layers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, d.Roots()); diff != "" {
		t.Errorf("roots mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]task.Definition{
		def("a", time.Hour, "c"),
		def("b", time.Hour, "a"),
		def("c", time.Hour, "b"),
	})
	if err == nil {
		t.Fatal("cycle accepted")
	}
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error type %T, want *BuildError", err)
	}
	if len(be.Violations) != 1 || !strings.Contains(be.Violations[0], "cycle") {
		t.Errorf("violations = %v, want one cycle violation", be.Violations)
	}
}

func TestBuildAggregatesAllViolations(t *testing.T) {
	_, err := Build([]task.Definition{
		def("a", time.Hour, "ghost"),
		def("a", time.Hour),
		def("b", time.Hour, "a", "a"),
	})
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error type %T, want *BuildError", err)
	}
	// Unknown dependency, duplicate id, duplicate edge: all reported at once.
	if len(be.Violations) != 3 {
		t.Errorf("got %d violations, want 3: %v", len(be.Violations), be.Violations)
	}
}

func TestCriticalPathFollowsEffort(t *testing.T) {
	// a(1h) -> b(4h) -> d(1h) outweighs a(1h) -> c(2h) -> d(1h).
	d, err := Build([]task.Definition{
		def("a", time.Hour),
		def("b", 4*time.Hour, "a"),
		def("c", 2*time.Hour, "a"),
		def("d", time.Hour, "b", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a", "b", "d"}, d.CriticalPath()); diff != "" {
		t.Errorf("critical path mismatch (-want +got):\n%s", diff)
	}
	if got := d.CriticalPathDuration(); got != 6*time.Hour {
		t.Errorf("critical path duration = %v, want 6h", got)
	}
	if !d.OnCriticalPath("b") || d.OnCriticalPath("c") {
		t.Error("critical membership wrong for b or c")
	}
}

func TestSetEffortRecomputesCriticalPath(t *testing.T) {
	d, err := Build([]task.Definition{
		def("a", time.Hour),
		def("b", 4*time.Hour, "a"),
		def("c", 2*time.Hour, "a"),
		def("d", time.Hour, "b", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Inflating c flips the path through it.
	if err := d.SetEffort("c", 10*time.Hour); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "c", "d"}, d.CriticalPath()); diff != "" {
		t.Errorf("critical path after SetEffort (-want +got):\n%s", diff)
	}

	if err := d.SetEffort("ghost", time.Hour); err == nil {
		t.Error("SetEffort on unknown task accepted")
	}
}

func TestDescendants(t *testing.T) {
	d, err := Build([]task.Definition{
		def("a", time.Hour),
		def("b", time.Hour, "a"),
		def("c", time.Hour, "b"),
		def("x", time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, d.Descendants("a")); diff != "" {
		t.Errorf("descendants mismatch (-want +got):\n%s", diff)
	}
	if got := d.Descendants("x"); len(got) != 0 {
		t.Errorf("Descendants(x) = %v, want empty", got)
	}
}
