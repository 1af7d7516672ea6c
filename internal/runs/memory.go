package runs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"caseanalysis-backend/internal/llm"
)

type unitKey struct {
	runID string
	level int
	batch int
}

// MemoryStore implements Store in memory and is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]Run
	units   map[string]Unit
	byKey   map[unitKey]string
	nextSeq int64
	now     func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]Run),
		units: make(map[string]Unit),
		byKey: make(map[unitKey]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; used by tests exercising leases.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateRun(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrDuplicate)
	}
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRunsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, run := range s.runs {
		if run.OwnerID == ownerID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []Run{}, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

// mutateRun applies fn under the write lock. fn returns an error to abort.
func (s *MemoryStore) mutateRun(ctx context.Context, runID string, fn func(run *Run) error) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if err := fn(&run); err != nil {
		return Run{}, err
	}
	run.UpdatedAt = s.now()
	s.runs[runID] = run
	return cloneRun(run), nil
}

func (s *MemoryStore) StartProcessing(ctx context.Context, runID string) (Run, error) {
	return s.mutateRun(ctx, runID, func(run *Run) error {
		if run.Status != StatusPending && run.Status != StatusProcessing {
			return fmt.Errorf("start run in status %s: %w", run.Status, ErrInvalidTransition)
		}
		run.Status = StatusProcessing
		if run.StartedAt == nil {
			now := s.now()
			run.StartedAt = &now
		}
		return nil
	})
}

func (s *MemoryStore) AdvancePhase(ctx context.Context, runID string, phase Phase) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		switch {
		case phase.Rank() > run.Phase.Rank():
			run.Phase = phase
			return nil
		case phase == run.Phase:
			return nil
		default:
			return fmt.Errorf("phase %s to %s: %w", run.Phase, phase, ErrInvalidTransition)
		}
	})
	return err
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, runID string, processed int, message string) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		run.ProcessedDocuments = clampProcessed(run.ProcessedDocuments, processed, run.TotalDocuments)
		if message != "" {
			run.ProgressMessage = message
		}
		return nil
	})
	return err
}

func (s *MemoryStore) SetTotalCharacters(ctx context.Context, runID string, total int64) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		run.TotalCharacters = total
		return nil
	})
	return err
}

func (s *MemoryStore) SetStrategy(ctx context.Context, runID string, strategy Strategy) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		run.Strategy = strategy
		return nil
	})
	return err
}

func (s *MemoryStore) SetReduceProgress(ctx context.Context, runID string, progress ReduceProgress, message string) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		run.Reduce = progress
		if message != "" {
			run.ProgressMessage = message
		}
		return nil
	})
	return err
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, runID string, index int, summary string) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		run.CurrentDocumentIndex = index
		run.EvolutionarySummary = summary
		return nil
	})
	return err
}

func (s *MemoryStore) RecordUsage(ctx context.Context, runID string, usage llm.InferenceCallMetadata) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		u := usage
		run.Usage = &u
		return nil
	})
	return err
}

func (s *MemoryStore) Complete(ctx context.Context, runID string, result string, processingTimeMs int64) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		if run.Status != StatusProcessing {
			return fmt.Errorf("complete run in status %s: %w", run.Status, ErrInvalidTransition)
		}
		now := s.now()
		run.Status = StatusCompleted
		run.Phase = PhaseCompleted
		run.Result = result
		run.ProcessingTimeMs = processingTimeMs
		run.ProcessedDocuments = run.TotalDocuments
		run.IsResumable = false
		run.ErrorMessage = ""
		run.CompletedAt = &now
		return nil
	})
	return err
}

func (s *MemoryStore) Fail(ctx context.Context, runID string, message string, resumable bool) error {
	_, err := s.mutateRun(ctx, runID, func(run *Run) error {
		if run.Status.Terminal() {
			return fmt.Errorf("fail run in status %s: %w", run.Status, ErrInvalidTransition)
		}
		now := s.now()
		run.Status = StatusFailed
		run.ErrorMessage = message
		run.IsResumable = resumable
		run.CompletedAt = &now
		return nil
	})
	return err
}

func (s *MemoryStore) RequestCancel(ctx context.Context, runID string) (Run, error) {
	return s.mutateRun(ctx, runID, func(run *Run) error {
		if run.Status.Terminal() {
			return fmt.Errorf("cancel run in status %s: %w", run.Status, ErrInvalidTransition)
		}
		now := s.now()
		run.CancelRequested = true
		run.Status = StatusCancelled
		run.ProgressMessage = "Cancelled by user"
		run.CompletedAt = &now
		return nil
	})
}

func (s *MemoryStore) PrepareResume(ctx context.Context, runID string) (Run, error) {
	return s.mutateRun(ctx, runID, func(run *Run) error {
		if run.Status != StatusFailed || !run.IsResumable {
			return fmt.Errorf("resume run in status %s resumable=%t: %w", run.Status, run.IsResumable, ErrInvalidTransition)
		}
		run.Status = StatusProcessing
		run.IsResumable = false
		run.ErrorMessage = ""
		run.CompletedAt = nil
		run.ProgressMessage = "Resuming from checkpoint"
		return nil
	})
}

func (s *MemoryStore) CreateUnit(ctx context.Context, unit Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := unitKey{runID: unit.RunID, level: unit.ReduceLevel, batch: unit.BatchIndex}
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicate
	}
	if _, exists := s.units[unit.ID]; exists {
		return ErrDuplicate
	}
	s.nextSeq++
	now := s.now()
	unit.Seq = s.nextSeq
	unit.CreatedAt = now
	unit.UpdatedAt = now
	s.units[unit.ID] = cloneUnit(unit)
	s.byKey[key] = unit.ID
	return nil
}

func (s *MemoryStore) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.units[unitID]
	if !ok {
		return Unit{}, ErrNotFound
	}
	return cloneUnit(unit), nil
}

func (s *MemoryStore) ListUnits(ctx context.Context, filter UnitFilter) ([]Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Unit
	for _, unit := range s.units {
		if unit.RunID != filter.RunID {
			continue
		}
		if filter.Level != nil && unit.ReduceLevel != *filter.Level {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, unit.Status) {
			continue
		}
		out = append(out, cloneUnit(unit))
	}
	SortUnits(out)
	return out, nil
}

func (s *MemoryStore) mutateUnit(ctx context.Context, unitID string, fn func(unit *Unit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[unitID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&unit); err != nil {
		return err
	}
	unit.UpdatedAt = s.now()
	s.units[unitID] = unit
	return nil
}

func (s *MemoryStore) ClaimUnit(ctx context.Context, unitID string, staleBefore time.Time) (Unit, bool, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[unitID]
	if !ok {
		return Unit{}, false, ErrNotFound
	}
	claimable := unit.Status == UnitPending ||
		(unit.Status == UnitProcessing && unit.UpdatedAt.Before(staleBefore))
	if !claimable {
		return cloneUnit(unit), false, nil
	}
	unit.Status = UnitProcessing
	unit.UpdatedAt = s.now()
	s.units[unitID] = unit
	return cloneUnit(unit), true, nil
}

func (s *MemoryStore) TouchUnit(ctx context.Context, unitID string) error {
	return s.mutateUnit(ctx, unitID, func(unit *Unit) error {
		if unit.Status != UnitProcessing {
			return fmt.Errorf("touch unit in status %s: %w", unit.Status, ErrInvalidTransition)
		}
		return nil
	})
}

func (s *MemoryStore) CompleteUnit(ctx context.Context, unitID string, result string, tokenEstimate int, processingTimeMs int64, metadata map[string]any) error {
	return s.mutateUnit(ctx, unitID, func(unit *Unit) error {
		if unit.Status != UnitProcessing {
			return fmt.Errorf("complete unit in status %s: %w", unit.Status, ErrInvalidTransition)
		}
		unit.Status = UnitCompleted
		unit.Result = result
		unit.TokenEstimate = tokenEstimate
		unit.ProcessingTimeMs = processingTimeMs
		unit.ErrorMessage = ""
		if metadata != nil {
			unit.Metadata = cloneMap(metadata)
		}
		return nil
	})
}

func (s *MemoryStore) FailUnit(ctx context.Context, unitID string, message string, processingTimeMs int64) error {
	return s.mutateUnit(ctx, unitID, func(unit *Unit) error {
		if unit.Status == UnitCompleted || unit.Status == UnitFailed {
			return fmt.Errorf("fail unit in status %s: %w", unit.Status, ErrInvalidTransition)
		}
		unit.Status = UnitFailed
		unit.ErrorMessage = message
		unit.ProcessingTimeMs = processingTimeMs
		return nil
	})
}

func (s *MemoryStore) ResetUnit(ctx context.Context, unitID string, extractedText string) error {
	return s.mutateUnit(ctx, unitID, func(unit *Unit) error {
		if unit.Status == UnitCompleted {
			return fmt.Errorf("reset completed unit: %w", ErrInvalidTransition)
		}
		unit.Status = UnitPending
		unit.ErrorMessage = ""
		unit.ExtractedText = extractedText
		unit.ProcessingTimeMs = 0
		return nil
	})
}

func (s *MemoryStore) CountUnits(ctx context.Context, runID string, level int) (UnitCounts, error) {
	if err := ctx.Err(); err != nil {
		return UnitCounts{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts UnitCounts
	for _, unit := range s.units {
		if unit.RunID != runID || unit.ReduceLevel != level {
			continue
		}
		switch unit.Status {
		case UnitPending:
			counts.Pending++
		case UnitProcessing:
			counts.Processing++
		case UnitCompleted:
			counts.Completed++
		case UnitFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *MemoryStore) SumProcessingTime(ctx context.Context, runID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, unit := range s.units {
		if unit.RunID == runID {
			total += unit.ProcessingTimeMs
		}
	}
	return total, nil
}

// SortUnits orders by document index with insertion order as the tie-break.
func SortUnits(units []Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].DocumentIndex != units[j].DocumentIndex {
			return units[i].DocumentIndex < units[j].DocumentIndex
		}
		return units[i].Seq < units[j].Seq
	})
}

func clampProcessed(current, processed, total int) int {
	if processed > total {
		processed = total
	}
	if processed < current {
		processed = current
	}
	return processed
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func containsStatus(list []UnitStatus, status UnitStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func cloneRun(run Run) Run {
	run.Params.Documents = append(run.Params.Documents[:0:0], run.Params.Documents...)
	if run.Usage != nil {
		u := *run.Usage
		run.Usage = &u
	}
	return run
}

func cloneUnit(unit Unit) Unit {
	unit.ParentIDs = append([]string(nil), unit.ParentIDs...)
	unit.Metadata = cloneMap(unit.Metadata)
	return unit
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
