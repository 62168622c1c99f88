package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consensus-research-pipeline/internal/pkg/logger"
)

type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateComplete TaskState = "complete"
	TaskStateFailed   TaskState = "failed"
	TaskStateSkipped  TaskState = "skipped"
)

type TaskResult struct {
	ID       string
	State    TaskState
	Err      error
	Duration time.Duration
}

// Report is the outcome of one plan run. Completed lists task IDs in the
// order they finished.
type Report struct {
	Results   map[string]TaskResult
	Completed []string
}

// Failed reports whether any task failed or was skipped.
func (r Report) Failed() bool {
	for _, result := range r.Results {
		if result.State != TaskStateComplete {
			return true
		}
	}
	return false
}

// Err joins the errors of failed tasks, nil when every task completed.
func (r Report) Err() error {
	var errs []error
	for _, result := range r.Results {
		if result.State == TaskStateFailed && result.Err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", result.ID, result.Err))
		}
	}
	return errors.Join(errs...)
}

// Scheduler dispatches ready tasks of a plan. A task becomes ready once every
// dependency completed; at most maxParallel tasks run at once.
type Scheduler struct {
	maxParallel int
	logger      *logger.Logger
}

func NewScheduler(maxParallel int, log *logger.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{maxParallel: maxParallel, logger: log}
}

type taskDone struct {
	id       string
	err      error
	duration time.Duration
}

// Run executes the plan to completion. Task failures are recorded in the
// report; the returned error is non-nil only when ctx ends first, in which
// case tasks not yet started are marked skipped.
func (s *Scheduler) Run(ctx context.Context, plan *Plan) (Report, error) {
	report := Report{Results: make(map[string]TaskResult, plan.Len())}

	remaining := make(map[string]int, plan.Len())
	var ready []string
	for _, id := range plan.orderedIDs {
		report.Results[id] = TaskResult{ID: id, State: TaskStatePending}
		remaining[id] = len(plan.tasks[id].DependsOn)
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	done := make(chan taskDone, plan.Len())
	running := 0
	settled := 0
	var runErr error

	for settled < plan.Len() {
		if runErr == nil && ctx.Err() != nil {
			runErr = ctx.Err()
			ready = nil
		}
		for runErr == nil && running < s.maxParallel && len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]
			running++
			go s.runTask(ctx, plan.tasks[id], done)
		}

		if running == 0 {
			// Nothing in flight and nothing dispatchable: the rest is blocked
			// by cancellation.
			for _, id := range plan.orderedIDs {
				if report.Results[id].State == TaskStatePending {
					report.Results[id] = TaskResult{ID: id, State: TaskStateSkipped, Err: runErr}
					settled++
				}
			}
			break
		}

		var finished taskDone
		select {
		case finished = <-done:
		case <-ctx.Done():
			if runErr == nil {
				runErr = ctx.Err()
				ready = nil
			}
			finished = <-done
		}
		running--
		settled++

		if finished.err != nil {
			report.Results[finished.id] = TaskResult{ID: finished.id, State: TaskStateFailed, Err: finished.err, Duration: finished.duration}
			s.logger.WithError(finished.err).WithField("task", finished.id).Warn("Workflow task failed")
			settled += s.skipDependents(plan, &report, finished.id)
			continue
		}

		report.Results[finished.id] = TaskResult{ID: finished.id, State: TaskStateComplete, Duration: finished.duration}
		report.Completed = append(report.Completed, finished.id)
		for _, dependent := range plan.dependents[finished.id] {
			if report.Results[dependent].State != TaskStatePending {
				continue
			}
			remaining[dependent]--
			if remaining[dependent] == 0 && runErr == nil {
				ready = append(ready, dependent)
			}
		}
	}

	return report, runErr
}

func (s *Scheduler) runTask(ctx context.Context, task *Task, done chan<- taskDone) {
	startTime := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
		done <- taskDone{id: task.ID, err: err, duration: time.Since(startTime)}
	}()
	err = task.Run(ctx)
}

// skipDependents marks every transitive dependent of id as skipped and
// returns how many were newly settled.
func (s *Scheduler) skipDependents(plan *Plan, report *Report, id string) int {
	skipped := 0
	queue := append([]string(nil), plan.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if report.Results[next].State != TaskStatePending {
			continue
		}
		report.Results[next] = TaskResult{
			ID:    next,
			State: TaskStateSkipped,
			Err:   fmt.Errorf("dependency %s did not complete", id),
		}
		skipped++
		queue = append(queue, plan.dependents[next]...)
	}
	return skipped
}
