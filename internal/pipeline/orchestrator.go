package pipeline

import (
	"context"
	"errors"
	"fmt"

	"caseanalysis-backend/internal/notify"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/metrics"
)

// Process drives a run from its persisted phase to completion. It is safe to
// call again for the same run after a crash or a redelivered message.
// Cancelled and already finished runs return nil without doing work.
func (o *Orchestrator) Process(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status == runs.StatusPending {
		metrics.IncRunStarted()
	}
	run, err = o.store.StartProcessing(ctx, runID)
	if errors.Is(err, runs.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.drive(ctx, run, o.advance)
}

// Resume continues a refine run from its checkpoint. The run must already be
// reopened for processing.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != runs.StatusProcessing {
		return nil
	}
	return o.drive(ctx, run, func(ctx context.Context, sc *runScope, run runs.Run) error {
		if run.Phase.Rank() < runs.PhaseReduce.Rank() || run.Strategy != runs.StrategyRefine {
			return o.advance(ctx, sc, run)
		}
		return asResumable(ctx, o.resumeRefine(ctx, sc, run))
	})
}

type stageFunc func(ctx context.Context, sc *runScope, run runs.Run) error

// drive runs body and settles the outcome on the run.
func (o *Orchestrator) drive(ctx context.Context, run runs.Run, body stageFunc) error {
	started := o.now()
	sc, err := o.scope(run)
	if err == nil {
		info("run.started", sc, map[string]any{"phase": string(run.Phase), "strategy": string(run.Strategy)})
		err = body(ctx, sc, run)
	}

	switch {
	case err == nil:
		metrics.IncRunCompleted()
		metrics.ObserveRunDurationMs(float64(o.now().Sub(started).Milliseconds()))
		info("run.completed", sc, nil)
		notify.Send(ctx, o.notifier, notify.Notification{
			UserID:   run.OwnerID,
			Title:    "Analysis completed",
			Body:     fmt.Sprintf("The analysis of %d documents is ready.", run.TotalDocuments),
			Severity: notify.SeveritySuccess,
		})
		return nil
	case errors.Is(err, errCancelled):
		metrics.IncRunCancelled()
		info("run.cancelled", sc, nil)
		return nil
	case errors.Is(err, runs.ErrInvalidTransition):
		// Cancelled while the last write was in flight.
		info("run.superseded", sc, map[string]any{"error": err})
		return nil
	case errors.Is(err, ErrUnitsInFlight), interrupted(ctx, err):
		warn("run.interrupted", sc, map[string]any{"error": err})
		return err
	}

	return o.fail(ctx, run, sc, err)
}

func (o *Orchestrator) fail(ctx context.Context, run runs.Run, sc *runScope, cause error) error {
	message := userMessage(cause)
	resumable := isResumable(cause)
	ctx = context.WithoutCancel(ctx)
	if err := o.store.Fail(ctx, run.ID, message, resumable); err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark run failed: %w", err)
	}
	metrics.IncRunFailed()
	fields := map[string]any{"error": cause, "message": message, "resumable": resumable}
	if sc == nil {
		fields["run_id"] = run.ID
	}
	warn("run.failed", sc, fields)
	body := message
	if resumable {
		body += " The analysis can be resumed from its last checkpoint."
	}
	notify.Send(ctx, o.notifier, notify.Notification{
		UserID:   run.OwnerID,
		Title:    "Analysis failed",
		Body:     body,
		Severity: notify.SeverityError,
	})
	return nil
}

// advance runs every stage from the run's current phase.
func (o *Orchestrator) advance(ctx context.Context, sc *runScope, run runs.Run) error {
	if run.Phase.Rank() <= runs.PhaseDownload.Rank() {
		if err := o.download(ctx, sc); err != nil {
			return err
		}
		if err := o.store.AdvancePhase(ctx, sc.runID, runs.PhaseMap); err != nil {
			return err
		}
		run.Phase = runs.PhaseMap
	}

	strategy := run.Strategy
	if run.Phase.Rank() <= runs.PhaseMap.Rank() {
		if err := o.mapDocuments(ctx, sc); err != nil {
			return err
		}
		counts, err := o.store.CountUnits(ctx, sc.runID, 0)
		if err != nil {
			return err
		}
		strategy = SelectStrategy(counts.Completed, sc.params.StrategyOverride, o.cfg.RefineThreshold)
		if err := o.store.SetStrategy(ctx, sc.runID, strategy); err != nil {
			return err
		}
		if err := o.store.AdvancePhase(ctx, sc.runID, runs.PhaseReduce); err != nil {
			return err
		}
		info("strategy.selected", sc, map[string]any{"strategy": string(strategy), "documents": counts.Completed})
	}

	if strategy != runs.StrategyRefine && strategy != runs.StrategyBatch {
		counts, err := o.store.CountUnits(ctx, sc.runID, 0)
		if err != nil {
			return err
		}
		strategy = SelectStrategy(counts.Completed, sc.params.StrategyOverride, o.cfg.RefineThreshold)
	}

	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}
	if strategy == runs.StrategyRefine {
		return asResumable(ctx, o.refine(ctx, sc))
	}
	return o.reduceBatches(ctx, sc)
}

// ensureActive returns errCancelled once the run's cancel flag is set.
func (o *Orchestrator) ensureActive(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.CancelRequested || run.Status == runs.StatusCancelled {
		return errCancelled
	}
	return nil
}
