package depgraph_test

import (
	"errors"
	"testing"

	"flowline/internal/depgraph"
	"flowline/internal/stage"
)

func TestValidateAcceptsAcyclic(t *testing.T) {
	edges := map[string][]string{
		"a": {"b"},
		"b": {"c"},
	}
	if err := depgraph.Validate("d", []string{"a", "c"}, edges); err != nil {
		t.Fatalf("acyclic graph rejected: %v", err)
	}
}

func TestValidateRejectsDirectCycle(t *testing.T) {
	edges := map[string][]string{
		"a": {"b"},
		"b": {"c"},
	}
	err := depgraph.Validate("c", []string{"a"}, edges)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	var ce *depgraph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(ce.Path) < 3 {
		t.Fatalf("expected full cycle path, got %v", ce.Path)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	if err := depgraph.Validate("a", []string{"a"}, nil); err == nil {
		t.Fatalf("expected self-dependency to be a cycle")
	}
}

func TestValidateExistingEdgesUnchanged(t *testing.T) {
	// the proposed write must not corrupt the caller's edge map
	edges := map[string][]string{"a": {"b"}}
	_ = depgraph.Validate("a", []string{"c"}, edges)
	if len(edges["a"]) != 1 {
		t.Fatalf("edge map mutated: %v", edges["a"])
	}
}

func TestReady(t *testing.T) {
	edges := map[string][]string{"b": {"a"}, "c": {"a", "b"}}
	stages := map[string]stage.Stage{
		"a": stage.Done,
		"b": stage.Review,
		"c": stage.Backlog,
	}
	if !depgraph.Ready("a", edges, stages) {
		t.Errorf("item with no dependencies must be ready")
	}
	if !depgraph.Ready("b", edges, stages) {
		t.Errorf("b depends only on done item, must be ready")
	}
	if depgraph.Ready("c", edges, stages) {
		t.Errorf("c depends on non-terminal b, must not be ready")
	}

	stages["b"] = stage.Done
	if !depgraph.Ready("c", edges, stages) {
		t.Errorf("c must become ready once b is done")
	}
}

func TestBlocking(t *testing.T) {
	edges := map[string][]string{"c": {"a", "b"}}
	stages := map[string]stage.Stage{"a": stage.Done, "b": stage.Testing}
	got := depgraph.Blocking("c", edges, stages)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("Blocking = %v, want [b]", got)
	}
}
