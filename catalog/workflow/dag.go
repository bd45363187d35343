package workflow

import (
	"fmt"
	"sort"
	"strings"
)

type (
	// DAG is the validated shape of a definition's step graph, persisted
	// alongside the definition so the executor never re-derives it.
	DAG struct {
		// Adjacency lists direct successors per step id.
		Adjacency map[string][]string `json:"adjacency"`
		// Roots are steps with zero predecessors, in declaration order.
		Roots []string `json:"roots"`
		// TopologicalOrder is a valid topological sort of all step ids.
		// Ties break by declaration order.
		TopologicalOrder []string `json:"topologicalOrder"`
		// Edges counts dependsOn edges.
		Edges int `json:"edges"`
	}

	// GraphError reports a structural defect in a step graph. Code is one of
	// the stable validation kinds surfaced to API clients.
	GraphError struct {
		Code    string
		Message string
	}
)

const (
	CodeDuplicateStepID   = "duplicate_step_id"
	CodeMissingDependency = "missing_dependency"
	CodeCycleDetected     = "cycle_detected"
	CodeInvalidTemplate   = "invalid_fanout_template"
)

func (e *GraphError) Error() string { return e.Code + ": " + e.Message }

func graphErrorf(code, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// BuildDAG validates the step graph and computes its persisted shape. It also
// fills each step's Dependents list. Rejections: empty or duplicate ids,
// dangling dependsOn references, cycles (one witness cycle is reported) and
// fan-out templates that declare dependents.
func BuildDAG(steps []Step) (DAG, error) {
	index := make(map[string]int, len(steps))
	for i := range steps {
		id := steps[i].ID
		if id == "" {
			return DAG{}, graphErrorf(CodeDuplicateStepID, "step at position %d has an empty id", i)
		}
		if _, dup := index[id]; dup {
			return DAG{}, graphErrorf(CodeDuplicateStepID, "step id %q is declared more than once", id)
		}
		index[id] = i
	}

	for i := range steps {
		s := &steps[i]
		if s.Fanout != nil {
			tpl := s.Fanout.Template
			if tpl == nil {
				return DAG{}, graphErrorf(CodeInvalidTemplate, "fan-out step %q is missing a template", s.ID)
			}
			if tpl.ID == "" {
				return DAG{}, graphErrorf(CodeInvalidTemplate, "fan-out step %q template has an empty id", s.ID)
			}
			if tpl.Fanout != nil {
				return DAG{}, graphErrorf(CodeInvalidTemplate, "fan-out step %q template cannot itself fan out", s.ID)
			}
			if len(tpl.Dependents) > 0 {
				return DAG{}, graphErrorf(CodeInvalidTemplate, "fan-out step %q template cannot declare dependents", s.ID)
			}
		}
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return DAG{}, graphErrorf(CodeMissingDependency, "step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	adjacency := make(map[string][]string, len(steps))
	indegree := make(map[string]int, len(steps))
	edges := 0
	for i := range steps {
		adjacency[steps[i].ID] = nil
		indegree[steps[i].ID] = 0
	}
	for i := range steps {
		s := &steps[i]
		for _, dep := range s.DependsOn {
			adjacency[dep] = append(adjacency[dep], s.ID)
			indegree[s.ID]++
			edges++
		}
	}
	for id := range adjacency {
		successors := adjacency[id]
		sort.SliceStable(successors, func(a, b int) bool {
			return index[successors[a]] < index[successors[b]]
		})
	}

	// Kahn's algorithm; the ready queue stays sorted by declaration order so
	// the topological order is deterministic.
	var roots []string
	for i := range steps {
		if indegree[steps[i].ID] == 0 {
			roots = append(roots, steps[i].ID)
		}
	}
	queue := append([]string(nil), roots...)
	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, succ := range adjacency[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.SliceStable(queue, func(a, b int) bool { return index[queue[a]] < index[queue[b]] })
	}
	if len(order) != len(steps) {
		return DAG{}, graphErrorf(CodeCycleDetected, "step graph contains a cycle: %s", witnessCycle(steps, index))
	}

	for i := range steps {
		steps[i].Dependents = append([]string(nil), adjacency[steps[i].ID]...)
	}

	return DAG{
		Adjacency:        adjacency,
		Roots:            roots,
		TopologicalOrder: order,
		Edges:            edges,
	}, nil
}

// witnessCycle finds one cycle by DFS and renders it as "a -> b -> a".
func witnessCycle(steps []Step, index map[string]int) string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(steps))
	dependsOn := make(map[string][]string, len(steps))
	for i := range steps {
		dependsOn[steps[i].ID] = steps[i].DependsOn
	}
	var stack []string
	var found []string
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range dependsOn[id] {
			switch state[dep] {
			case inStack:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				found = append(append([]string(nil), stack[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		state[id] = done
		stack = stack[:len(stack)-1]
		return false
	}
	for i := range steps {
		if state[steps[i].ID] == unvisited && visit(steps[i].ID) {
			break
		}
	}
	if len(found) == 0 {
		return "unknown"
	}
	return strings.Join(found, " -> ")
}
