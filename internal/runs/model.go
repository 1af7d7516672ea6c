// Package runs persists analysis runs and their units of work.
package runs

import (
	"errors"
	"time"

	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/llm"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further pipeline work may change the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is the pipeline stage a run is in. Phases only move forward.
type Phase string

const (
	PhaseDownload  Phase = "download"
	PhaseMap       Phase = "map"
	PhaseReduce    Phase = "reduce"
	PhaseCompleted Phase = "completed"
)

// Rank orders phases; unknown phases rank last.
func (p Phase) Rank() int {
	switch p {
	case PhaseDownload:
		return 0
	case PhaseMap:
		return 1
	case PhaseReduce:
		return 2
	default:
		return 3
	}
}

// Strategy selects the reducer used after the map phase.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"
	StrategyRefine Strategy = "refine"
	StrategyBatch  Strategy = "batch"
)

// UnitStatus is the state of a unit of work.
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitProcessing UnitStatus = "processing"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate unit")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Params are the original submission inputs, kept so a run can be driven
// again without the caller.
type Params struct {
	Documents         []documents.Descriptor `json:"documents"`
	Instructions      string                 `json:"instructions"`
	Provider          string                 `json:"provider"`
	ExtendedReasoning bool                   `json:"extendedReasoning"`
	StrategyOverride  Strategy               `json:"strategyOverride,omitempty"`
	Credentials       documents.Credentials  `json:"credentials,omitempty"`
}

// ReduceProgress tracks batch consolidation.
type ReduceProgress struct {
	CurrentLevel     int `json:"currentLevel"`
	TotalLevels      int `json:"totalLevels"`
	ProcessedBatches int `json:"processedBatches"`
	TotalBatches     int `json:"totalBatches"`
}

// Run is one end-to-end analysis over a document set.
type Run struct {
	ID                   string
	OwnerID              string
	GroupKey             string
	Status               Status
	Phase                Phase
	Strategy             Strategy
	TotalDocuments       int
	ProcessedDocuments   int
	TotalCharacters      int64
	EvolutionarySummary  string
	CurrentDocumentIndex int
	IsResumable          bool
	CancelRequested      bool
	ProgressMessage      string
	Reduce               ReduceProgress
	Result               string
	ErrorMessage         string
	ProcessingTimeMs     int64
	Params               Params
	Usage                *llm.InferenceCallMetadata
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// NoCheckpoint is the CurrentDocumentIndex of a run without a refine checkpoint.
const NoCheckpoint = -1

// Percent estimates overall progress from the phase and its counters.
func (r Run) Percent() int {
	if r.Status == StatusCompleted || r.Phase == PhaseCompleted {
		return 100
	}
	ratio := func(done, total int) float64 {
		if total <= 0 {
			return 0
		}
		if done > total {
			done = total
		}
		return float64(done) / float64(total)
	}
	switch r.Phase {
	case PhaseDownload:
		return 5
	case PhaseMap:
		return 10 + int(50*ratio(r.ProcessedDocuments, r.TotalDocuments))
	case PhaseReduce:
		if r.Strategy == StrategyRefine {
			return 60 + int(39*ratio(r.CurrentDocumentIndex+1, r.TotalDocuments))
		}
		return 60 + int(39*ratio(r.Reduce.ProcessedBatches, r.Reduce.TotalBatches))
	}
	return 0
}

// Unit is one atomic analysis task: one document at level 0, or one
// consolidation batch at level >= 1.
type Unit struct {
	ID               string
	Seq              int64
	RunID            string
	ReduceLevel      int
	DocumentIndex    int
	BatchIndex       int
	SourceDocumentID string
	Description      string
	MimeType         string
	ExtractedText    string
	Result           string
	Status           UnitStatus
	ErrorMessage     string
	ParentIDs        []string
	Metadata         map[string]any
	TokenEstimate    int
	ProcessingTimeMs int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UnitFilter selects units of one run.
type UnitFilter struct {
	RunID    string
	Level    *int
	Statuses []UnitStatus
}

// Level returns a pointer for UnitFilter.Level.
func Level(l int) *int { return &l }

// UnitCounts aggregates unit statuses.
type UnitCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total is the number of counted units.
func (c UnitCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Finished is the number of units in a final state.
func (c UnitCounts) Finished() int {
	return c.Completed + c.Failed
}
