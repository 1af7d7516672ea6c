package analyses

import (
	"time"

	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/runs"
)

// StatusView is the pollable state of a run.
type StatusView struct {
	RunID              string                     `json:"runId"`
	OwnerID            string                     `json:"ownerId"`
	GroupKey           string                     `json:"groupKey,omitempty"`
	Status             runs.Status                `json:"status"`
	Phase              runs.Phase                 `json:"phase"`
	Strategy           runs.Strategy              `json:"strategy,omitempty"`
	Provider           string                     `json:"provider,omitempty"`
	ProcessedDocuments int                        `json:"processedDocuments"`
	TotalDocuments     int                        `json:"totalDocuments"`
	Percent            int                        `json:"percent"`
	ProgressMessage    string                     `json:"progressMessage,omitempty"`
	Reduce             *runs.ReduceProgress       `json:"reduceProgress,omitempty"`
	Result             string                     `json:"result,omitempty"`
	Error              string                     `json:"error,omitempty"`
	IsResumable        bool                       `json:"isResumable"`
	CancelRequested    bool                       `json:"cancelRequested"`
	ProcessingTimeMs   int64                      `json:"processingTimeMs,omitempty"`
	Usage              *llm.InferenceCallMetadata `json:"usage,omitempty"`
	CreatedAt          time.Time                  `json:"createdAt"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
	CompletedAt        *time.Time                 `json:"completedAt,omitempty"`
}

// NewStatusView projects a run. The result is only shown once completed and
// the error only once failed.
func NewStatusView(r runs.Run) StatusView {
	v := StatusView{
		RunID:              r.ID,
		OwnerID:            r.OwnerID,
		GroupKey:           r.GroupKey,
		Status:             r.Status,
		Phase:              r.Phase,
		Strategy:           r.Strategy,
		Provider:           r.Params.Provider,
		ProcessedDocuments: r.ProcessedDocuments,
		TotalDocuments:     r.TotalDocuments,
		Percent:            r.Percent(),
		ProgressMessage:    r.ProgressMessage,
		IsResumable:        r.IsResumable,
		CancelRequested:    r.CancelRequested,
		ProcessingTimeMs:   r.ProcessingTimeMs,
		Usage:              r.Usage,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
	}
	if r.Strategy == runs.StrategyBatch && r.Reduce.TotalBatches > 0 {
		reduce := r.Reduce
		v.Reduce = &reduce
	}
	switch r.Status {
	case runs.StatusCompleted:
		v.Result = r.Result
	case runs.StatusFailed:
		v.Error = r.ErrorMessage
	}
	return v
}
