package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openedx/pie/pkg/transports"
)

func cmdStep(program string, args ...string) Step {
	return Step{Command: &transports.Command{Program: program, Args: args}}
}

func mustCatalog(t *testing.T, targets ...*Target) Catalog {
	t.Helper()
	c, err := NewCatalog(targets...)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return c
}

// validateCatalog mirrors the validate/quality/test corner of the build targets.
func validateCatalog(t *testing.T) Catalog {
	return mustCatalog(t,
		&Target{Name: "clean", Steps: []Step{cmdStep("coverage", "erase")}},
		&Target{Name: "test", Prerequisites: []string{"clean"}, Steps: []Step{cmdStep("pytest")}},
		&Target{Name: "quality", Steps: []Step{cmdStep("pylint", "--rcfile=pylintrc")}},
		&Target{Name: "pii_check", Steps: []Step{cmdStep("code_annotations", "django_find_annotations")}},
		&Target{Name: "validate", Prerequisites: []string{"test", "quality", "pii_check"}},
	)
}

func TestDAGBuilder_MakeOrder(t *testing.T) {
	builder := NewDAGBuilder(validateCatalog(t))

	plan, err := builder.BuildGraph([]string{"validate"})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	want := []string{"clean", "test", "quality", "pii_check", "validate"}
	if !reflect.DeepEqual(plan.Order, want) {
		t.Errorf("Order = %v, want %v", plan.Order, want)
	}
	if len(plan.Targets) != 5 {
		t.Errorf("expected 5 targets in closure, got %d", len(plan.Targets))
	}
}

func TestDAGBuilder_Levels(t *testing.T) {
	builder := NewDAGBuilder(validateCatalog(t))

	plan, err := builder.BuildGraph([]string{"validate"})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	want := [][]string{
		{"clean", "quality", "pii_check"},
		{"test"},
		{"validate"},
	}
	if !reflect.DeepEqual(plan.Graph.Levels, want) {
		t.Errorf("Levels = %v, want %v", plan.Graph.Levels, want)
	}
	if plan.Graph.Depth != 3 {
		t.Errorf("Depth = %d, want 3", plan.Graph.Depth)
	}
	if len(plan.Graph.Edges) != 4 {
		t.Errorf("expected 4 edges, got %d", len(plan.Graph.Edges))
	}
	if err := builder.ValidateGraph(plan.Graph); err != nil {
		t.Errorf("ValidateGraph() error = %v", err)
	}
}

func TestDAGBuilder_ClosureOnly(t *testing.T) {
	plan, err := NewDAGBuilder(validateCatalog(t)).BuildGraph([]string{"test"})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	if !reflect.DeepEqual(plan.Order, []string{"clean", "test"}) {
		t.Errorf("Order = %v", plan.Order)
	}
	if _, ok := plan.Targets["quality"]; ok {
		t.Error("quality is not a prerequisite of test and must not be planned")
	}
}

func TestDAGBuilder_SharedPrerequisiteRunsOnce(t *testing.T) {
	catalog := mustCatalog(t,
		&Target{Name: "piptools", Steps: []Step{cmdStep("pip", "install")}},
		&Target{Name: "requirements", Prerequisites: []string{"piptools"}, Steps: []Step{cmdStep("pip-sync")}},
		&Target{Name: "upgrade", Prerequisites: []string{"piptools", "piptools"}, Steps: []Step{cmdStep("pip-compile")}},
	)

	plan, err := NewDAGBuilder(catalog).BuildGraph([]string{"requirements", "upgrade"})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	want := []string{"piptools", "requirements", "upgrade"}
	if !reflect.DeepEqual(plan.Order, want) {
		t.Errorf("Order = %v, want %v", plan.Order, want)
	}
	if deps := plan.Graph.Nodes["upgrade"].Dependencies; len(deps) != 1 {
		t.Errorf("duplicate prerequisite should collapse, got %v", deps)
	}
}

func TestDAGBuilder_AllTargetsWhenNoRoots(t *testing.T) {
	plan, err := NewDAGBuilder(validateCatalog(t)).BuildGraph(nil)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	if len(plan.Order) != 5 {
		t.Errorf("expected all 5 targets, got %v", plan.Order)
	}
}

func TestDAGBuilder_UnknownTarget(t *testing.T) {
	_, err := NewDAGBuilder(validateCatalog(t)).BuildGraph([]string{"deploy"})
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
	if CodeOf(err) != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", CodeOf(err), ErrCodeNotFound)
	}
	if !strings.Contains(err.Error(), `no rule to make target "deploy"`) {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestDAGBuilder_MissingPrerequisite(t *testing.T) {
	catalog := mustCatalog(t,
		&Target{Name: "fake_translations", Prerequisites: []string{"extract_translations"}},
	)

	_, err := NewDAGBuilder(catalog).BuildGraph([]string{"fake_translations"})
	if err == nil {
		t.Fatal("expected error for missing prerequisite")
	}
	if CodeOf(err) != ErrCodeValidation {
		t.Errorf("code = %q, want %q", CodeOf(err), ErrCodeValidation)
	}
	if !strings.Contains(err.Error(), "non-existent target extract_translations") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestDAGBuilder_CycleDetection(t *testing.T) {
	catalog := mustCatalog(t,
		&Target{Name: "a", Prerequisites: []string{"b"}},
		&Target{Name: "b", Prerequisites: []string{"c"}},
		&Target{Name: "c", Prerequisites: []string{"a"}},
	)

	_, err := NewDAGBuilder(catalog).BuildGraph([]string{"a"})
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *EngineError, got %T", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Errorf("cycle path missing from error: %v", err)
	}
	if !IsPermanent(err) {
		t.Error("cycle errors should be permanent")
	}
}

func TestDAGBuilder_SelfCycle(t *testing.T) {
	catalog := mustCatalog(t, &Target{Name: "loop", Prerequisites: []string{"loop"}})

	_, err := NewDAGBuilder(catalog).BuildGraph([]string{"loop"})
	if err == nil || !strings.Contains(err.Error(), "loop -> loop") {
		t.Fatalf("expected self-cycle error, got %v", err)
	}
}

func TestDAGBuilder_InvalidStep(t *testing.T) {
	catalog := mustCatalog(t, &Target{Name: "broken", Steps: []Step{{Description: "nothing"}}})

	_, err := NewDAGBuilder(catalog).BuildGraph([]string{"broken"})
	if err == nil {
		t.Fatal("expected invalid step error")
	}
	if CodeOf(err) != ErrCodeValidation {
		t.Errorf("code = %q, want %q", CodeOf(err), ErrCodeValidation)
	}
}

func TestNewCatalog_Duplicate(t *testing.T) {
	_, err := NewCatalog(&Target{Name: "test"}, &Target{Name: "test"})
	if err == nil {
		t.Fatal("expected duplicate target error")
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder(validateCatalog(t))
	if _, err := builder.BuildGraph([]string{"validate"}); err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	dot := builder.ToDOT()

	for _, want := range []string{
		"digraph targets {",
		`"clean" -> "test";`,
		`"test" -> "validate";`,
		`"pii_check" -> "validate";`,
		"cluster_level_2",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
