package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/metrics"
)

// mapDocuments analyzes every pending level-0 unit. Units that fail are
// recorded and excluded; the stage fails only when none completed.
func (o *Orchestrator) mapDocuments(ctx context.Context, sc *runScope) error {
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}
	units, err := o.store.ListUnits(ctx, runs.UnitFilter{
		RunID:    sc.runID,
		Level:    runs.Level(0),
		Statuses: []runs.UnitStatus{runs.UnitPending, runs.UnitProcessing},
	})
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}
	total := len(sc.params.Documents)

	tasks := make([]Task, 0, len(units))
	for _, unit := range units {
		tasks = append(tasks, func(ctx context.Context) error {
			if err := o.ensureActive(ctx, sc.runID); err != nil {
				return err
			}
			err := o.mapUnit(ctx, sc, unit, total)
			if perr := o.reportMapProgress(ctx, sc); perr != nil {
				warn("map.progress_failed", sc, map[string]any{"error": perr})
			}
			return err
		})
	}

	info("map.started", sc, map[string]any{"units": len(units)})
	group := Group{
		Name:          "map",
		Limit:         o.cfg.MapConcurrency,
		AllowFailures: true,
		Fields:        sc.fields,
		Finally: func(ctx context.Context, outcome Outcome) {
			o.recordUsage(ctx, sc)
			info("map.finished", sc, map[string]any{"succeeded": outcome.Succeeded, "failed": outcome.Failed})
		},
	}
	if err := group.Run(ctx, tasks); err != nil {
		return err
	}
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}
	return o.mapOutcome(ctx, sc)
}

// mapOutcome decides whether the run can move on to reduction.
func (o *Orchestrator) mapOutcome(ctx context.Context, sc *runScope) error {
	counts, err := o.store.CountUnits(ctx, sc.runID, 0)
	if err != nil {
		return err
	}
	if counts.Pending > 0 || counts.Processing > 0 {
		return fmt.Errorf("map: %d pending, %d processing: %w", counts.Pending, counts.Processing, ErrUnitsInFlight)
	}
	if counts.Finished() >= counts.Total() && counts.Completed == 0 {
		return failStage("map", "All documents failed in MAP phase.")
	}
	return nil
}

func (o *Orchestrator) reportMapProgress(ctx context.Context, sc *runScope) error {
	counts, err := o.store.CountUnits(ctx, sc.runID, 0)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Analyzed %d of %d documents", counts.Finished(), len(sc.params.Documents))
	return o.store.UpdateProgress(ctx, sc.runID, counts.Finished(), msg)
}

// mapUnit claims and analyzes one unit. A unit that is already completed,
// or leased by another worker, is left alone without calling the provider.
func (o *Orchestrator) mapUnit(ctx context.Context, sc *runScope, unit runs.Unit, total int) error {
	claimed, ok, err := o.store.ClaimUnit(ctx, unit.ID, o.staleBefore())
	if err != nil {
		return fmt.Errorf("claim unit: %w", err)
	}
	if !ok {
		return nil
	}

	started := o.now()
	result, usage, prompt, metadata, err := o.analyzeDocument(ctx, sc, claimed, total)
	elapsed := o.now().Sub(started).Milliseconds()
	if err != nil {
		if interrupted(ctx, err) {
			return err
		}
		metrics.IncUnitFailed()
		warn("map.unit_failed", sc, map[string]any{"unit_id": unit.ID, "index": unit.DocumentIndex, "error": err})
		if ferr := o.store.FailUnit(ctx, unit.ID, llm.Translate(err), elapsed); ferr != nil {
			return ferr
		}
		return err
	}
	if err := o.store.CompleteUnit(ctx, unit.ID, result, estimateTokens(usage, prompt, result), elapsed, metadata); err != nil {
		return fmt.Errorf("complete unit: %w", err)
	}
	metrics.IncUnitCompleted()
	return nil
}

// analyzeDocument returns the micro-analysis of one document, chunking it
// when it reaches the large-document threshold.
func (o *Orchestrator) analyzeDocument(ctx context.Context, sc *runScope, unit runs.Unit, total int) (string, llm.Usage, string, map[string]any, error) {
	length := utf8.RuneCountInString(unit.ExtractedText)
	if length < o.cfg.LargeDocumentThreshold {
		prompt := mapPrompt(unit.DocumentIndex+1, total, unit.Description, unit.ExtractedText)
		res, err := sc.provider.Generate(ctx, prompt, false)
		if err != nil {
			return "", llm.Usage{}, "", nil, err
		}
		return strings.TrimSpace(res.Text), res.Usage, prompt, nil, nil
	}
	return o.analyzeChunked(ctx, sc, unit, length)
}

func (o *Orchestrator) analyzeChunked(ctx context.Context, sc *runScope, unit runs.Unit, length int) (string, llm.Usage, string, map[string]any, error) {
	chunks := SplitParagraphs(unit.ExtractedText, o.cfg.ChunkSize, o.cfg.MinChunkSize)
	metadata := map[string]any{
		"chunked":         true,
		"chunk_count":     len(chunks),
		"original_length": length,
	}
	info("map.chunked", sc, map[string]any{"unit_id": unit.ID, "index": unit.DocumentIndex, "chunk_count": len(chunks), "original_length": length})

	var usage llm.Usage
	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", usage, "", metadata, err
		}
		res, err := sc.provider.Generate(ctx, mapChunkPrompt(i+1, len(chunks), unit.Description, chunk), false)
		if err != nil {
			return "", usage, "", metadata, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
		usage = usage.Add(res.Usage)
		partials = append(partials, res.Text)
		o.renewLease(ctx, sc, unit.ID)
	}

	prompt := mapConsolidatePrompt(unit.Description, partials, o.cfg.MaxPromptChars)
	res, err := sc.provider.Generate(ctx, prompt, false)
	if err != nil {
		return "", usage, "", metadata, fmt.Errorf("consolidate chunks: %w", err)
	}
	usage = usage.Add(res.Usage)
	return strings.TrimSpace(res.Text), usage, prompt, metadata, nil
}

// renewLease keeps a long-running unit from looking abandoned to another
// worker. A failed renewal is logged; the unit keeps its current lease.
func (o *Orchestrator) renewLease(ctx context.Context, sc *runScope, unitID string) {
	if err := o.store.TouchUnit(ctx, unitID); err != nil {
		warn("map.lease_renew_failed", sc, map[string]any{"unit_id": unitID, "error": err})
	}
}
