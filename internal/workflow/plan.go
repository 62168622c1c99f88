package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TaskFunc is the unit of work a task executes.
type TaskFunc func(ctx context.Context) error

// Task names a unit of work plus the task IDs that must complete first.
type Task struct {
	ID        string
	DependsOn []string
	Run       TaskFunc
}

// Plan is a validated, acyclic set of tasks in declaration order.
type Plan struct {
	tasks      map[string]*Task
	orderedIDs []string
	dependents map[string][]string
}

// NewPlan validates the tasks. Empty or duplicate IDs, missing run
// functions, unknown dependencies and cycles are rejected.
func NewPlan(tasks ...Task) (*Plan, error) {
	plan := &Plan{
		tasks:      make(map[string]*Task, len(tasks)),
		orderedIDs: make([]string, 0, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for i := range tasks {
		task := tasks[i]
		id := strings.TrimSpace(task.ID)
		if id == "" {
			return nil, fmt.Errorf("workflow: task %d has no id", i)
		}
		if _, exists := plan.tasks[id]; exists {
			return nil, fmt.Errorf("workflow: duplicate task %s", id)
		}
		if task.Run == nil {
			return nil, fmt.Errorf("workflow: task %s has no run function", id)
		}
		task.ID = id
		task.DependsOn = append([]string(nil), task.DependsOn...)
		plan.tasks[id] = &task
		plan.orderedIDs = append(plan.orderedIDs, id)
	}
	for _, id := range plan.orderedIDs {
		for _, dep := range plan.tasks[id].DependsOn {
			if _, ok := plan.tasks[dep]; !ok {
				return nil, fmt.Errorf("workflow: dependency %s referenced by %s not declared", dep, id)
			}
			if dep == id {
				return nil, fmt.Errorf("workflow: task %s depends on itself", id)
			}
			plan.dependents[dep] = append(plan.dependents[dep], id)
		}
	}
	if cycle := plan.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("workflow: dependency cycle among %s", strings.Join(cycle, ", "))
	}
	return plan, nil
}

// IDs returns the task IDs in declaration order.
func (p *Plan) IDs() []string {
	return append([]string(nil), p.orderedIDs...)
}

func (p *Plan) Len() int {
	return len(p.orderedIDs)
}

// findCycle peels off tasks with no pending dependencies; whatever remains
// sits on or behind a cycle.
func (p *Plan) findCycle() []string {
	pending := make(map[string]int, len(p.tasks))
	var queue []string
	for _, id := range p.orderedIDs {
		pending[id] = len(p.tasks[id].DependsOn)
		if pending[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range p.dependents[id] {
			pending[dependent]--
			if pending[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited == len(p.orderedIDs) {
		return nil
	}
	var remaining []string
	for id, count := range pending {
		if count > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}
