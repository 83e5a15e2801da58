package engine

import (
	"github.com/rendis/chispa/pkg/schema"
)

// edgeKind distinguishes how a parent releases its children.
//
// Dependency edges release only when the parent ends succeeded or skipped;
// a failed parent leaves the child unreleased, and the drain pass marks it
// skipped. Condition edges exist so a task whose `if` reads a sibling's
// status is not gated before that sibling is terminal; they release on any
// terminal status, including failed.
type edgeKind int

const (
	edgeDependency edgeKind = iota
	edgeCondition
)

// Graph is the scheduling form of a workflow: tasks in document order,
// parent edges with their release semantics, and compiled conditions.
type Graph struct {
	Tasks      map[string]*schema.TaskDefinition
	Order      []string                      // document order, drives intra-batch determinism
	Parents    map[string]map[string]edgeKind // child → parent → strictest edge kind
	Children   map[string][]string            // parent → children, document order
	Conditions map[string]*Condition          // compiled `if` per task, when present and valid
}

// InDegree returns the number of distinct parents gating a task.
func (g *Graph) InDegree(name string) int {
	return len(g.Parents[name])
}

// BuildGraph validates a workflow definition and produces its scheduling
// graph. Duplicate task names, unknown dependency names and cycles are
// rejected. A condition that fails to compile does not fail the build: the
// task carries no compiled condition and the executor surfaces the error
// when the task is gated.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		Tasks:      make(map[string]*schema.TaskDefinition, len(def.Tasks)),
		Order:      make([]string, 0, len(def.Tasks)),
		Parents:    make(map[string]map[string]edgeKind, len(def.Tasks)),
		Children:   make(map[string][]string, len(def.Tasks)),
		Conditions: make(map[string]*Condition),
	}

	for i := range def.Tasks {
		task := &def.Tasks[i]
		if _, exists := g.Tasks[task.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task name: %s", task.Name)
		}
		g.Tasks[task.Name] = task
		g.Order = append(g.Order, task.Name)
		g.Parents[task.Name] = make(map[string]edgeKind)
	}

	for _, name := range g.Order {
		task := g.Tasks[name]

		for _, dep := range task.Dependencies {
			if _, ok := g.Tasks[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "task %s depends on unknown task: %s", name, dep).WithTask(name)
			}
			if dep == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "task %s depends on itself", name).WithTask(name)
			}
			g.addEdge(dep, name, edgeDependency)
		}

		if task.If == "" {
			continue
		}
		cond, err := ParseCondition(task.If)
		if err != nil {
			// Deferred: the executor fails the task at its condition gate.
			continue
		}
		g.Conditions[name] = cond
		for _, ref := range cond.References() {
			if _, ok := g.Tasks[ref]; !ok {
				// Unknown reference surfaces as an evaluation error later.
				continue
			}
			if ref == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "task %s condition references itself", name).WithTask(name)
			}
			g.addEdge(ref, name, edgeCondition)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// addEdge registers parent→child. When both a dependency and a condition
// reference link the same pair, dependency semantics win.
func (g *Graph) addEdge(parent, child string, kind edgeKind) {
	if existing, ok := g.Parents[child][parent]; ok {
		if existing == edgeCondition && kind == edgeDependency {
			g.Parents[child][parent] = edgeDependency
		}
		return
	}
	g.Parents[child][parent] = kind
	g.Children[parent] = append(g.Children[parent], child)
}

// checkAcyclic runs Kahn's algorithm over all edges and reports a cycle when
// the topological order does not cover every task.
func (g *Graph) checkAcyclic() error {
	indeg := make(map[string]int, len(g.Order))
	for _, name := range g.Order {
		indeg[name] = g.InDegree(name)
	}

	var queue []string
	for _, name := range g.Order {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range g.Children[name] {
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(g.Order) {
		var stuck []string
		for _, name := range g.Order {
			if indeg[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "workflow contains a cycle involving: %v", stuck)
	}
	return nil
}
