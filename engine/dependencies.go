package engine

import (
	"fmt"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// DependencyGraph validates the tasks of one phase before any of them is
// attached to the state: every dependency must resolve and the edges must
// form a DAG. Ready-task selection at dispatch time lives on the workflow
// state, which also accounts for approval gates and retries.
type DependencyGraph struct {
	tasks      map[string]*workflow.Task
	inDegree   map[string]int      // Number of in-set dependencies
	dependents map[string][]string // Tasks that depend on this task
}

// NewDependencyGraph builds and validates a graph from a set of tasks.
// Dependencies that point outside the set are resolved against external:
// ids present there are treated as already satisfied, anything else is an
// error, as is any dependency cycle.
func NewDependencyGraph(tasks []*workflow.Task, external map[string]bool) (*DependencyGraph, error) {
	g := &DependencyGraph{
		tasks:      make(map[string]*workflow.Task),
		inDegree:   make(map[string]int),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.inDegree[t.ID] = 0
		g.dependents[t.ID] = nil
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				if external[depID] {
					continue
				}
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, depID)
			}
			g.inDegree[t.ID]++
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles runs Kahn's algorithm; tasks left unordered form a cycle.
func (g *DependencyGraph) detectCycles() error {
	tempDegree := make(map[string]int)
	for id, deg := range g.inDegree {
		tempDegree[id] = deg
	}

	var queue []string
	for id, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		processed++

		for _, depID := range g.dependents[taskID] {
			tempDegree[depID]--
			if tempDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if processed != len(g.tasks) {
		return fmt.Errorf("circular dependency detected: %d tasks could not be ordered", len(g.tasks)-processed)
	}

	return nil
}
