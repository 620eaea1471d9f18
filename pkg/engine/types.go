// Package engine runs named targets with prerequisites, the way make does:
// it resolves the prerequisite closure into a DAG, then executes each
// target's steps through a transports.Runner, recording results and events.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openedx/pie/pkg/transports"
)

// Target is a named unit of work with prerequisites.
type Target struct {
	// Name is the identifier used on the command line (e.g., "requirements").
	Name string `json:"name"`

	// Description is a one-line summary shown by `pie targets`.
	Description string `json:"description,omitempty"`

	// Prerequisites are targets that must succeed before this one runs.
	Prerequisites []string `json:"prerequisites,omitempty"`

	// Steps run in order. A target with no steps is an alias for its prerequisites.
	Steps []Step `json:"steps,omitempty"`

	// RequiredEnv lists variables that must be set before any command of the
	// run executes.
	RequiredEnv []string `json:"required_env,omitempty"`

	// Runner overrides the scheduler's default runner for this target.
	Runner transports.Runner `json:"-"`
}

// Step is a single command or native action within a target.
// Exactly one of Command and Action is set.
type Step struct {
	// Description is shown in dry runs and recorded with the result.
	Description string `json:"description,omitempty"`

	// Command is an external program to run.
	Command *transports.Command `json:"command,omitempty"`

	// Action is native Go work, such as editing a lockfile.
	Action func(ctx context.Context) error `json:"-"`

	// IgnoreError records a failure but lets the target continue,
	// like a `-` prefixed make recipe line.
	IgnoreError bool `json:"ignore_error,omitempty"`
}

// Display returns the text echoed before the step runs.
func (s Step) Display() string {
	if s.Command != nil {
		return s.Command.String()
	}
	return "# " + s.Description
}

// Validate checks the step shape.
func (s Step) Validate() error {
	if s.Command == nil && s.Action == nil {
		return fmt.Errorf("step %q has neither command nor action", s.Description)
	}
	if s.Command != nil && s.Action != nil {
		return fmt.Errorf("step %q has both command and action", s.Description)
	}
	if s.Command != nil && s.Command.Program == "" {
		return fmt.Errorf("step %q has an empty program", s.Description)
	}
	return nil
}

// LookupFunc resolves a variable; it has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// MissingEnv returns the RequiredEnv entries that lookup reports as unset or empty.
func (t *Target) MissingEnv(lookup LookupFunc) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var missing []string
	for _, key := range t.RequiredEnv {
		if v, ok := lookup(key); !ok || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Validate checks the target's own shape. Prerequisites are checked by the DAG builder.
func (t *Target) Validate() error {
	if t.Name == "" {
		return NewPermanentError("target has empty name", nil).WithCode(ErrCodeValidation)
	}
	for i, step := range t.Steps {
		if err := step.Validate(); err != nil {
			return NewPermanentError(fmt.Sprintf("invalid step %d", i), err).
				WithCode(ErrCodeValidation).
				WithTarget(t.Name)
		}
	}
	return nil
}

// Catalog is a set of targets keyed by name.
type Catalog map[string]*Target

// NewCatalog indexes targets by name, rejecting duplicates.
func NewCatalog(targets ...*Target) (Catalog, error) {
	c := make(Catalog, len(targets))
	for _, t := range targets {
		if _, exists := c[t.Name]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate target: %s", t.Name), nil).
				WithCode(ErrCodeValidation)
		}
		c[t.Name] = t
	}
	return c, nil
}

// Names returns the target names sorted alphabetically.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plan is a resolved set of targets ready for execution.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Roots are the targets requested on the command line, in order.
	Roots []string `json:"roots"`

	// Targets holds every target in the prerequisite closure of Roots.
	Targets map[string]*Target `json:"targets"`

	// Order is the make-style execution order: depth-first, prerequisites
	// in their listed order, each target once.
	Order []string `json:"order"`

	// Graph is the dependency graph with parallel execution levels.
	Graph *ExecutionGraph `json:"graph"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionGraph represents the DAG of targets.
type ExecutionGraph struct {
	// Nodes maps target names to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists prerequisite edges (From must finish before To).
	Edges []GraphEdge `json:"edges"`

	// Levels groups targets that can run in parallel; level i only depends on levels < i.
	Levels [][]string `json:"levels"`

	// Roots are targets without prerequisites.
	Roots []string `json:"roots"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode is a node in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is a prerequisite edge.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Run is one execution of a plan.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Kind distinguishes target runs from provisioning runs (e.g., "run", "provision").
	Kind string `json:"kind"`

	// Targets are the requested root targets.
	Targets []string `json:"targets"`

	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	DryRun      bool          `json:"dry_run,omitempty"`

	// Summary counts targets by final status.
	Summary RunSummary `json:"summary"`

	// Results holds per-target results keyed by target name.
	Results map[string]*TargetResult `json:"results,omitempty"`

	// Error is the message of the error that ended the run, if any.
	Error string `json:"error,omitempty"`
}

// RunSummary counts targets by status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

// String formats the summary for a one-line report.
func (s RunSummary) String() string {
	parts := []string{fmt.Sprintf("%d targets", s.Total)}
	for _, p := range []struct {
		n     int
		label string
	}{
		{s.Succeeded, "succeeded"},
		{s.Failed, "failed"},
		{s.Skipped, "skipped"},
		{s.Cancelled, "cancelled"},
	} {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, p.label))
		}
	}
	return strings.Join(parts, ", ")
}

// TargetResult is the outcome of one target.
type TargetResult struct {
	Target      string        `json:"target"`
	Status      TargetStatus  `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Steps       []*StepResult `json:"steps,omitempty"`
	Error       *EngineError  `json:"error,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Target      string        `json:"target"`
	Index       int           `json:"index"`
	Description string        `json:"description,omitempty"`
	Command     string        `json:"command,omitempty"`
	Status      TargetStatus  `json:"status"`
	Ignored     bool          `json:"ignored,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Event is an entry in a run's timeline.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	Target    string                 `json:"target,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
