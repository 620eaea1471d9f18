package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DAGBuilder resolves requested targets into a plan. It walks the
// prerequisite closure, detects cycles, computes the make-style order, and
// assigns execution levels for parallel execution.
type DAGBuilder struct {
	// catalog is the set of known targets
	catalog Catalog

	// targets holds the targets in the closure of the requested roots
	targets map[string]*Target

	// order is the depth-first post-order of the closure
	order []string

	// adjacencyList maps target names to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps target names to their prerequisites
	reverseAdjacencyList map[string][]string

	// levels maps execution level to target names at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder over catalog.
func NewDAGBuilder(catalog Catalog) *DAGBuilder {
	return &DAGBuilder{
		catalog:              catalog,
		targets:              make(map[string]*Target),
		order:                make([]string, 0),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		levels:               make([][]string, 0),
	}
}

// BuildGraph resolves roots into a plan. With no roots, every target in the
// catalog is included.
func (b *DAGBuilder) BuildGraph(roots []string) (*Plan, error) {
	if len(roots) == 0 {
		roots = b.catalog.Names()
	}

	for _, name := range roots {
		if _, ok := b.catalog[name]; !ok {
			return nil, NewPermanentError(fmt.Sprintf("no rule to make target %q", name), nil).
				WithCode(ErrCodeNotFound).
				WithTarget(name)
		}
	}

	// Walk the closure depth-first from each root
	state := make(map[string]visitState)
	for _, name := range roots {
		if err := b.visit(name, state, nil); err != nil {
			return nil, err
		}
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return &Plan{
		ID:        uuid.New().String(),
		Roots:     append([]string(nil), roots...),
		Targets:   b.targets,
		Order:     b.order,
		Graph:     b.buildExecutionGraph(),
		CreatedAt: time.Now(),
	}, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// visit performs the depth-first walk, appending targets to the order after
// their prerequisites. path is the current DFS stack for cycle reporting.
func (b *DAGBuilder) visit(name string, state map[string]visitState, path []string) error {
	switch state[name] {
	case visited:
		return nil
	case visiting:
		cycle := append(append([]string(nil), path[indexOf(path, name):]...), name)
		return NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
			nil,
		).WithCode(ErrCodeValidation).WithDetail("cycle", cycle)
	}

	target := b.catalog[name]
	if err := target.Validate(); err != nil {
		return err
	}

	state[name] = visiting
	path = append(path, name)

	b.targets[name] = target
	if _, ok := b.adjacencyList[name]; !ok {
		b.adjacencyList[name] = make([]string, 0)
	}
	b.reverseAdjacencyList[name] = make([]string, 0)

	seen := make(map[string]bool)
	for _, prereq := range target.Prerequisites {
		if seen[prereq] {
			continue
		}
		seen[prereq] = true

		if _, ok := b.catalog[prereq]; !ok {
			return NewPermanentError(
				fmt.Sprintf("target %s depends on non-existent target %s", name, prereq),
				nil,
			).WithCode(ErrCodeValidation).WithTarget(name)
		}

		if err := b.visit(prereq, state, path); err != nil {
			return err
		}

		// Edge from prerequisite to target
		b.adjacencyList[prereq] = append(b.adjacencyList[prereq], name)
		b.reverseAdjacencyList[name] = append(b.reverseAdjacencyList[name], prereq)
	}

	state[name] = visited
	b.order = append(b.order, name)
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Targets at the same level can be executed in parallel. Within a level,
// targets keep their make order.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.targets))
	position := make(map[string]int, len(b.order))
	for i, name := range b.order {
		inDegree[name] = len(b.reverseAdjacencyList[name])
		position[name] = i
	}

	currentLevel := make([]string, 0)
	for _, name := range b.order {
		if inDegree[name] == 0 {
			currentLevel = append(currentLevel, name)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, name := range currentLevel {
			for _, dependent := range b.adjacencyList[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Slice(nextLevel, func(i, j int) bool {
			return position[nextLevel[i]] < position[nextLevel[j]]
		})

		currentLevel = nextLevel
	}

	// Cycles are rejected during the walk, so this indicates a bug.
	if processedCount != len(b.targets) {
		return NewPermanentError("failed to process all targets - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Edges:  make([]GraphEdge, 0),
		Levels: b.levels,
		Roots:  make([]string, 0),
		Depth:  len(b.levels),
	}

	for level, names := range b.levels {
		for _, name := range names {
			graph.Nodes[name] = &GraphNode{
				ID:           name,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[name],
				Dependents:   b.adjacencyList[name],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, name)
			}
		}
	}

	for _, name := range b.order {
		for _, prereq := range b.reverseAdjacencyList[name] {
			graph.Edges = append(graph.Edges, GraphEdge{From: prereq, To: name})
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph targets {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			target := b.targets[name]
			color := "white"
			if len(target.Steps) == 0 {
				color = "lightgray"
			} else if len(target.RequiredEnv) > 0 {
				color = "lightyellow"
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%d steps\", fillcolor=%q, style=\"filled,rounded\"];\n",
				name, name, len(target.Steps), color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, name := range b.order {
		for _, prereq := range b.reverseAdjacencyList[name] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", prereq, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.targets) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		from, ok := graph.Nodes[edge.From]
		if !ok {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		to, ok := graph.Nodes[edge.To]
		if !ok {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if from.Level >= to.Level {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s does not increase level", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func indexOf(path []string, name string) int {
	for i, p := range path {
		if p == name {
			return i
		}
	}
	return 0
}
