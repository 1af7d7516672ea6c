package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"caseanalysis-backend/internal/shared/telemetry"
)

// Task is one unit of grouped work.
type Task func(ctx context.Context) error

// Group runs tasks in parallel with a concurrency limit and lifecycle
// callbacks. With AllowFailures set, task errors are counted and logged but
// do not stop the group or trigger OnFailure.
type Group struct {
	Name          string
	Limit         int
	AllowFailures bool

	// OnSuccess runs when every task succeeded or its failure was tolerated.
	OnSuccess func(ctx context.Context, outcome Outcome) error
	// OnFailure runs with the first hard failure.
	OnFailure func(ctx context.Context, err error)
	// Finally always runs last.
	Finally func(ctx context.Context, outcome Outcome)

	Fields map[string]any
}

// Outcome counts finished tasks.
type Outcome struct {
	Succeeded int
	Failed    int
}

// Run executes tasks and returns the first hard failure, or the error of
// OnSuccess.
func (g Group) Run(ctx context.Context, tasks []Task) (err error) {
	var succeeded, failed atomic.Int64
	outcome := func() Outcome {
		return Outcome{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
	}
	if g.Finally != nil {
		defer func() { g.Finally(ctx, outcome()) }()
	}

	var eg *errgroup.Group
	groupCtx := ctx
	if g.AllowFailures {
		eg = &errgroup.Group{}
	} else {
		eg, groupCtx = errgroup.WithContext(ctx)
	}
	if g.Limit > 0 {
		eg.SetLimit(g.Limit)
	}

	for i, task := range tasks {
		eg.Go(func() error {
			taskErr := runTask(groupCtx, task)
			if taskErr == nil {
				succeeded.Add(1)
				return nil
			}
			failed.Add(1)
			if g.AllowFailures {
				telemetry.Warn("group.task_failed", telemetry.Merge(g.Fields, map[string]any{
					"group": g.Name,
					"task":  i,
					"error": taskErr,
				}))
				return nil
			}
			return taskErr
		})
	}

	if err := eg.Wait(); err != nil {
		if g.OnFailure != nil {
			g.OnFailure(ctx, err)
		}
		return err
	}
	if g.OnSuccess != nil {
		return g.OnSuccess(ctx, outcome())
	}
	return nil
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error("group.task_panic", map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}
