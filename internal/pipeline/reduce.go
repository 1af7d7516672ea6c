package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/metrics"
)

// reduceBatches consolidates completed map results level by level until at
// most BatchSize remain or MaxReduceLevel is reached, then runs the final
// analysis over what is left.
func (o *Orchestrator) reduceBatches(ctx context.Context, sc *runScope) error {
	inputs, err := o.completedUnits(ctx, sc.runID, 0)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return failStage("reduce", "No analyzed documents are available for consolidation.")
	}

	totalLevels := plannedLevels(len(inputs), o.cfg.BatchSize, o.cfg.MaxReduceLevel)
	for level := 1; len(inputs) > o.cfg.BatchSize && level <= o.cfg.MaxReduceLevel; level++ {
		if err := o.ensureActive(ctx, sc.runID); err != nil {
			return err
		}
		completed, err := o.reduceLevel(ctx, sc, level, totalLevels, inputs)
		if err != nil {
			return err
		}
		if len(completed) == 0 {
			return failStage("reduce", fmt.Sprintf("Consolidation failed at level %d.", level))
		}
		inputs = completed
	}

	material := make([]section, len(inputs))
	for i, u := range inputs {
		material[i] = section{Label: reduceLabel(u, i), Text: u.Result}
	}
	return o.finalize(ctx, sc, material)
}

// reduceLevel consolidates inputs into level-L units, one per batch, and
// returns the completed ones in document order.
func (o *Orchestrator) reduceLevel(ctx context.Context, sc *runScope, level, totalLevels int, inputs []runs.Unit) ([]runs.Unit, error) {
	batches := partition(inputs, o.cfg.BatchSize)
	existing, err := o.store.ListUnits(ctx, runs.UnitFilter{RunID: sc.runID, Level: runs.Level(level)})
	if err != nil {
		return nil, fmt.Errorf("list level %d units: %w", level, err)
	}
	byBatch := make(map[int]runs.Unit, len(existing))
	for _, u := range existing {
		byBatch[u.BatchIndex] = u
	}

	progress := runs.ReduceProgress{CurrentLevel: level, TotalLevels: totalLevels, TotalBatches: len(batches)}
	for _, u := range existing {
		if u.Status == runs.UnitCompleted {
			progress.ProcessedBatches++
		}
	}
	if err := o.store.SetReduceProgress(ctx, sc.runID, progress, levelMessage(progress)); err != nil {
		return nil, err
	}
	var processed atomic.Int64
	processed.Store(int64(progress.ProcessedBatches))

	tasks := make([]Task, 0, len(batches))
	for b, members := range batches {
		unit, ok := byBatch[b]
		if ok && (unit.Status == runs.UnitCompleted || unit.Status == runs.UnitFailed) {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if err := o.ensureActive(ctx, sc.runID); err != nil {
				return err
			}
			if !ok {
				created, err := o.createBatchUnit(ctx, sc, level, b, members)
				if err != nil {
					return err
				}
				unit = created
			}
			err := o.consolidateBatch(ctx, sc, level, unit, members)
			if err == nil {
				p := progress
				p.ProcessedBatches = int(processed.Add(1))
				if perr := o.store.SetReduceProgress(ctx, sc.runID, p, levelMessage(p)); perr != nil {
					warn("reduce.progress_failed", sc, map[string]any{"error": perr})
				}
			}
			return err
		})
	}

	info("reduce.level_started", sc, map[string]any{"level": level, "inputs": len(inputs), "batches": len(batches), "pending": len(tasks)})
	group := Group{
		Name:          fmt.Sprintf("reduce-level-%d", level),
		Limit:         o.cfg.ReduceConcurrency,
		AllowFailures: true,
		Fields:        sc.fields,
		Finally: func(ctx context.Context, outcome Outcome) {
			o.recordUsage(ctx, sc)
			info("reduce.level_finished", sc, map[string]any{"level": level, "succeeded": outcome.Succeeded, "failed": outcome.Failed})
		},
	}
	if err := group.Run(ctx, tasks); err != nil {
		return nil, err
	}
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return nil, err
	}

	counts, err := o.store.CountUnits(ctx, sc.runID, level)
	if err != nil {
		return nil, err
	}
	if counts.Pending > 0 || counts.Processing > 0 {
		return nil, fmt.Errorf("reduce level %d: %w", level, ErrUnitsInFlight)
	}
	progress.ProcessedBatches = counts.Completed
	if err := o.store.SetReduceProgress(ctx, sc.runID, progress, levelMessage(progress)); err != nil {
		return nil, err
	}
	return o.completedUnits(ctx, sc.runID, level)
}

// createBatchUnit inserts the level-L unit of batch b. A concurrent insert of
// the same batch is resolved by loading the existing row.
func (o *Orchestrator) createBatchUnit(ctx context.Context, sc *runScope, level, b int, members []runs.Unit) (runs.Unit, error) {
	parents := make([]string, len(members))
	for i, m := range members {
		parents[i] = m.ID
	}
	unit := runs.Unit{
		ID:            uuid.NewString(),
		RunID:         sc.runID,
		ReduceLevel:   level,
		DocumentIndex: members[0].DocumentIndex,
		BatchIndex:    b,
		Description:   fmt.Sprintf("Level %d batch %d (%d documents)", level, b+1, len(members)),
		Status:        runs.UnitPending,
		ParentIDs:     parents,
	}
	err := o.store.CreateUnit(ctx, unit)
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, runs.ErrDuplicate) {
		return runs.Unit{}, fmt.Errorf("create batch unit: %w", err)
	}
	units, err := o.store.ListUnits(ctx, runs.UnitFilter{RunID: sc.runID, Level: runs.Level(level)})
	if err != nil {
		return runs.Unit{}, err
	}
	for _, u := range units {
		if u.BatchIndex == b {
			return u, nil
		}
	}
	return runs.Unit{}, fmt.Errorf("batch %d at level %d: %w", b, level, runs.ErrNotFound)
}

func (o *Orchestrator) consolidateBatch(ctx context.Context, sc *runScope, level int, unit runs.Unit, members []runs.Unit) error {
	claimed, ok, err := o.store.ClaimUnit(ctx, unit.ID, o.staleBefore())
	if err != nil {
		return fmt.Errorf("claim batch unit: %w", err)
	}
	if !ok {
		return nil
	}

	sections := make([]section, len(members))
	for i, m := range members {
		sections[i] = section{Label: reduceLabel(m, i), Text: m.Result}
	}
	prompt := reduceBatchPrompt(level, sections, o.cfg.MaxPromptChars)

	started := o.now()
	res, err := sc.provider.Generate(ctx, prompt, false)
	elapsed := o.now().Sub(started).Milliseconds()
	if err != nil {
		if interrupted(ctx, err) {
			return err
		}
		metrics.IncUnitFailed()
		warn("reduce.batch_failed", sc, map[string]any{"level": level, "batch": claimed.BatchIndex, "error": err})
		if ferr := o.store.FailUnit(ctx, claimed.ID, llm.Translate(err), elapsed); ferr != nil {
			return ferr
		}
		return err
	}
	result := strings.TrimSpace(res.Text)
	if err := o.store.CompleteUnit(ctx, claimed.ID, result, estimateTokens(res.Usage, prompt, result), elapsed, nil); err != nil {
		return fmt.Errorf("complete batch unit: %w", err)
	}
	metrics.IncUnitCompleted()
	return nil
}

func (o *Orchestrator) completedUnits(ctx context.Context, runID string, level int) ([]runs.Unit, error) {
	units, err := o.store.ListUnits(ctx, runs.UnitFilter{
		RunID:    runID,
		Level:    runs.Level(level),
		Statuses: []runs.UnitStatus{runs.UnitCompleted},
	})
	if err != nil {
		return nil, fmt.Errorf("list completed level %d units: %w", level, err)
	}
	runs.SortUnits(units)
	return units, nil
}

// partition splits units into consecutive batches of size n, keeping order.
func partition(units []runs.Unit, n int) [][]runs.Unit {
	if n <= 0 {
		n = len(units)
	}
	var out [][]runs.Unit
	for start := 0; start < len(units); start += n {
		end := start + n
		if end > len(units) {
			end = len(units)
		}
		out = append(out, units[start:end])
	}
	return out
}

// plannedLevels estimates how many consolidation levels count inputs need.
func plannedLevels(count, batchSize, maxLevel int) int {
	levels := 0
	for count > batchSize && levels < maxLevel {
		count = (count + batchSize - 1) / batchSize
		levels++
	}
	return levels
}

func levelMessage(p runs.ReduceProgress) string {
	return fmt.Sprintf("Consolidating level %d of %d: %d of %d batches", p.CurrentLevel, p.TotalLevels, p.ProcessedBatches, p.TotalBatches)
}

func reduceLabel(u runs.Unit, i int) string {
	if u.Description != "" {
		return fmt.Sprintf("%d. %s", i+1, u.Description)
	}
	return fmt.Sprintf("%d.", i+1)
}
