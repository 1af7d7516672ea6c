package runs

import (
	"context"
	"time"

	"caseanalysis-backend/internal/llm"
)

// RunStore persists runs. Every mutation is a guarded single-row update.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRunsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Run, error)

	// StartProcessing moves a pending or processing run to processing.
	StartProcessing(ctx context.Context, runID string) (Run, error)
	// AdvancePhase moves the phase forward. Re-entering the current phase is a no-op.
	AdvancePhase(ctx context.Context, runID string, phase Phase) error
	// UpdateProgress clamps processed to [current, total] and sets the message.
	UpdateProgress(ctx context.Context, runID string, processed int, message string) error
	SetTotalCharacters(ctx context.Context, runID string, total int64) error
	SetStrategy(ctx context.Context, runID string, strategy Strategy) error
	SetReduceProgress(ctx context.Context, runID string, progress ReduceProgress, message string) error
	// SaveCheckpoint records the refine cursor. The refine stage driving the
	// run is its only writer.
	SaveCheckpoint(ctx context.Context, runID string, index int, summary string) error
	RecordUsage(ctx context.Context, runID string, usage llm.InferenceCallMetadata) error

	// Complete is only valid from processing.
	Complete(ctx context.Context, runID string, result string, processingTimeMs int64) error
	// Fail is valid from any non-terminal status.
	Fail(ctx context.Context, runID string, message string, resumable bool) error
	// RequestCancel flags a non-terminal run and marks it cancelled.
	RequestCancel(ctx context.Context, runID string) (Run, error)
	// PrepareResume reopens a failed, resumable run for processing.
	PrepareResume(ctx context.Context, runID string) (Run, error)
}

// UnitStore persists units of work.
type UnitStore interface {
	// CreateUnit returns ErrDuplicate when (run, level, batch index) exists.
	CreateUnit(ctx context.Context, unit Unit) error
	GetUnit(ctx context.Context, unitID string) (Unit, error)
	// ListUnits orders by document index, then insertion order.
	ListUnits(ctx context.Context, filter UnitFilter) ([]Unit, error)
	// ClaimUnit moves pending, or processing with updated_at before
	// staleBefore, to processing. claimed is false otherwise.
	ClaimUnit(ctx context.Context, unitID string, staleBefore time.Time) (unit Unit, claimed bool, err error)
	// TouchUnit renews the lease of a processing unit by bumping updated_at.
	TouchUnit(ctx context.Context, unitID string) error
	CompleteUnit(ctx context.Context, unitID string, result string, tokenEstimate int, processingTimeMs int64, metadata map[string]any) error
	FailUnit(ctx context.Context, unitID string, message string, processingTimeMs int64) error
	// ResetUnit returns a non-completed unit to pending with fresh text.
	ResetUnit(ctx context.Context, unitID string, extractedText string) error
	CountUnits(ctx context.Context, runID string, level int) (UnitCounts, error)
	SumProcessingTime(ctx context.Context, runID string) (int64, error)
}

// Store combines run and unit persistence.
type Store interface {
	RunStore
	UnitStore
}
