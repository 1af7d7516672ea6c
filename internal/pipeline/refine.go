package pipeline

import (
	"context"
	"fmt"
	"strings"

	"caseanalysis-backend/internal/runs"
)

// refine folds completed map results into one evolving summary, in document
// order, and checkpoints after every step. This stage is the only writer of
// the run's checkpoint fields, and it runs on a single goroutine per run.
func (o *Orchestrator) refine(ctx context.Context, sc *runScope) error {
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}
	run, err := o.store.GetRun(ctx, sc.runID)
	if err != nil {
		return err
	}
	units, err := o.completedUnits(ctx, sc.runID, 0)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return failStage("refine", "No analyzed documents are available for refinement.")
	}

	summary := run.EvolutionarySummary
	checkpoint := run.CurrentDocumentIndex
	total := len(units)

	remaining := make([]int, 0, total)
	for i, u := range units {
		if u.DocumentIndex > checkpoint {
			remaining = append(remaining, i)
		}
	}
	info("refine.started", sc, map[string]any{"documents": total, "remaining": len(remaining), "checkpoint": checkpoint})

	for step, i := range remaining {
		if err := o.ensureActive(ctx, sc.runID); err != nil {
			return err
		}
		unit := units[i]
		last := step == len(remaining)-1
		var prompt string
		if strings.TrimSpace(summary) == "" {
			prompt = refineFirstPrompt(i+1, total, unit.Description, unit.Result, o.cfg.MaxPromptChars)
		} else {
			prompt = refineUpdatePrompt(i+1, total, last, summary, unit.Description, unit.Result, o.cfg.MaxPromptChars)
		}

		res, err := sc.provider.Generate(ctx, prompt, false)
		if err != nil {
			o.recordUsage(ctx, sc)
			if interrupted(ctx, err) {
				return err
			}
			return &stageError{
				Stage:     "refine",
				Message:   userMessage(err),
				Resumable: true,
				Err:       fmt.Errorf("document %d: %w", unit.DocumentIndex, err),
			}
		}
		summary = strings.TrimSpace(res.Text)
		if err := o.store.SaveCheckpoint(ctx, sc.runID, unit.DocumentIndex, summary); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		msg := fmt.Sprintf("Refined %d of %d documents", i+1, total)
		if err := o.store.UpdateProgress(ctx, sc.runID, 0, msg); err != nil {
			warn("refine.progress_failed", sc, map[string]any{"error": err})
		}
		info("refine.step", sc, map[string]any{"document_index": unit.DocumentIndex, "position": i + 1, "total": total})
	}
	o.recordUsage(ctx, sc)

	// The checkpoint covers every document; a resume only repeats the final call.
	return asResumable(ctx, o.finalize(ctx, sc, []section{{Label: "Case summary", Text: summary}}))
}

// resumeRefine re-reads, re-extracts and re-maps the documents after the
// checkpoint that have no completed analysis, then continues refining.
func (o *Orchestrator) resumeRefine(ctx context.Context, sc *runScope, run runs.Run) error {
	units, err := o.store.ListUnits(ctx, runs.UnitFilter{RunID: sc.runID, Level: runs.Level(0)})
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.DocumentIndex <= run.CurrentDocumentIndex || unit.Status == runs.UnitCompleted {
			continue
		}
		if err := o.ensureActive(ctx, sc.runID); err != nil {
			return err
		}
		if unit.BatchIndex < 0 || unit.BatchIndex >= len(sc.params.Documents) {
			continue
		}
		doc := sc.params.Documents[unit.BatchIndex]
		text, err := o.fetchText(ctx, sc, doc)
		if err != nil {
			if interrupted(ctx, err) {
				return err
			}
			warn("resume.refetch_failed", sc, map[string]any{"unit_id": unit.ID, "index": unit.DocumentIndex, "error": err})
			continue
		}
		if err := o.store.ResetUnit(ctx, unit.ID, text); err != nil {
			return fmt.Errorf("reset unit: %w", err)
		}
		info("resume.unit_reset", sc, map[string]any{"unit_id": unit.ID, "index": unit.DocumentIndex})
	}

	if err := o.mapDocuments(ctx, sc); err != nil {
		return asResumable(ctx, err)
	}
	return o.refine(ctx, sc)
}
