package pipeline

import (
	"context"
	"errors"
	"fmt"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/telemetry"
)

var (
	// errCancelled stops a run whose cancel flag is set. It never marks the
	// run failed.
	errCancelled = errors.New("run cancelled")
	// ErrUnitsInFlight means units are leased by another worker. The run is
	// left untouched so a later delivery can continue it.
	ErrUnitsInFlight = errors.New("units still in flight")
)

// stageError is a run-terminal failure with the message shown to the user.
type stageError struct {
	Stage     string
	Message   string
	Resumable bool
	Err       error
}

func (e *stageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *stageError) Unwrap() error { return e.Err }

func failStage(stage, message string) error {
	return &stageError{Stage: stage, Message: message}
}

// userMessage renders err for the run's error_message.
func userMessage(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		if se.Message != "" {
			return se.Message
		}
		return llm.Translate(se.Err)
	}
	return llm.Translate(err)
}

func isResumable(err error) bool {
	var se *stageError
	return errors.As(err, &se) && se.Resumable
}

// passthrough reports errors that end a call without failing the run.
func passthrough(ctx context.Context, err error) bool {
	return errors.Is(err, errCancelled) ||
		errors.Is(err, ErrUnitsInFlight) ||
		errors.Is(err, runs.ErrInvalidTransition) ||
		interrupted(ctx, err)
}

// asResumable marks a refine-phase failure as resumable.
func asResumable(ctx context.Context, err error) error {
	if err == nil || passthrough(ctx, err) {
		return err
	}
	var se *stageError
	if errors.As(err, &se) {
		cp := *se
		cp.Resumable = true
		return &cp
	}
	return &stageError{Stage: "refine", Message: userMessage(err), Resumable: true, Err: err}
}

// interrupted reports a shutdown of the calling worker rather than a run failure.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func info(msg string, sc *runScope, extra map[string]any) {
	telemetry.Info(msg, telemetry.Merge(scopeFields(sc), extra))
}

func warn(msg string, sc *runScope, extra map[string]any) {
	telemetry.Warn(msg, telemetry.Merge(scopeFields(sc), extra))
}

func scopeFields(sc *runScope) map[string]any {
	if sc == nil {
		return nil
	}
	return sc.fields
}
