package pipeline

import (
	"context"
	"fmt"
	"strings"

	"caseanalysis-backend/internal/runs"
)

// finalize runs the final analysis over material and completes the run. The
// recorded processing time is the sum of unit times plus this call.
func (o *Orchestrator) finalize(ctx context.Context, sc *runScope, material []section) error {
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}
	dropped, err := o.omittedDocuments(ctx, sc)
	if err != nil {
		return err
	}
	if err := o.store.UpdateProgress(ctx, sc.runID, 0, "Writing final analysis"); err != nil {
		warn("final.progress_failed", sc, map[string]any{"error": err})
	}

	prompt := finalPrompt(sc.params.Instructions, material, dropped, o.cfg.MaxPromptChars)
	started := o.now()
	res, err := sc.provider.Generate(ctx, prompt, sc.params.ExtendedReasoning)
	finalMs := o.now().Sub(started).Milliseconds()
	o.recordUsage(ctx, sc)
	if err != nil {
		if interrupted(ctx, err) {
			return err
		}
		return &stageError{Stage: "final", Message: userMessage(err), Err: err}
	}
	result := strings.TrimSpace(res.Text)
	if result == "" {
		return failStage("final", "The AI provider returned an empty final analysis.")
	}

	unitsMs, err := o.store.SumProcessingTime(ctx, sc.runID)
	if err != nil {
		return fmt.Errorf("sum processing time: %w", err)
	}
	if err := o.store.Complete(ctx, sc.runID, result, unitsMs+finalMs); err != nil {
		return err
	}
	info("final.completed", sc, map[string]any{
		"inputs":             len(material),
		"omitted":            len(dropped),
		"extended_reasoning": sc.params.ExtendedReasoning,
		"processing_time_ms": unitsMs + finalMs,
	})
	return nil
}

// omittedDocuments lists input documents whose map analysis failed.
func (o *Orchestrator) omittedDocuments(ctx context.Context, sc *runScope) ([]omitted, error) {
	failed, err := o.store.ListUnits(ctx, runs.UnitFilter{
		RunID:    sc.runID,
		Level:    runs.Level(0),
		Statuses: []runs.UnitStatus{runs.UnitFailed},
	})
	if err != nil {
		return nil, fmt.Errorf("list failed units: %w", err)
	}
	out := make([]omitted, 0, len(failed))
	for _, u := range failed {
		reason := u.ErrorMessage
		if reason == "" {
			reason = "processing failed"
		}
		out = append(out, omitted{Description: u.Description, Reason: reason})
	}
	return out, nil
}
