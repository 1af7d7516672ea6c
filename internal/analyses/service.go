package analyses

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/queue"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/telemetry"
)

const (
	defaultMaxDocuments    = 500
	maxInstructionsLength  = 20000
	defaultListLimit       = 20
	maxListLimit           = 100
	dispatchFailureMessage = "The analysis could not be scheduled. Try again later."
	panicMessage           = "The analysis failed unexpectedly."
)

// Processor drives runs through the pipeline.
type Processor interface {
	Process(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
}

// Service is the exposed interface of the analysis pipeline.
type Service struct {
	Store     runs.Store
	Processor Processor
	// Queue dispatches runs to workers. Without it runs are driven on a
	// goroutine of this process.
	Queue        queue.Client
	Providers    *llm.Registry
	MaxDocuments int
	Now          func() time.Time

	wg sync.WaitGroup
}

// SubmitInput describes one document set to analyze.
type SubmitInput struct {
	OwnerID           string
	GroupKey          string
	Documents         []documents.Descriptor
	Instructions      string
	Provider          string
	ExtendedReasoning bool
	Strategy          string
	Credentials       documents.Credentials
}

// Submit validates the input, persists a pending run and dispatches it. It
// returns without waiting for any pipeline work.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (runs.Run, error) {
	params, err := s.validate(in)
	if err != nil {
		return runs.Run{}, err
	}

	run := runs.Run{
		ID:                   uuid.NewString(),
		OwnerID:              strings.TrimSpace(in.OwnerID),
		GroupKey:             strings.TrimSpace(in.GroupKey),
		Status:               runs.StatusPending,
		Phase:                runs.PhaseDownload,
		TotalDocuments:       len(params.Documents),
		CurrentDocumentIndex: runs.NoCheckpoint,
		ProgressMessage:      "Queued",
		Params:               params,
		CreatedAt:            s.now(),
	}
	if err := s.Store.CreateRun(ctx, run); err != nil {
		return runs.Run{}, fmt.Errorf("create run: %w", err)
	}
	telemetry.Info("run.submitted", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"run_id":     run.ID,
		"owner_id":   run.OwnerID,
		"group_key":  run.GroupKey,
		"documents":  run.TotalDocuments,
		"provider":   params.Provider,
		"strategy":   string(params.StrategyOverride),
	})

	if err := s.dispatch(ctx, run.ID, queue.ActionProcess); err != nil {
		if failErr := s.Store.Fail(context.WithoutCancel(ctx), run.ID, dispatchFailureMessage, false); failErr != nil {
			telemetry.Error("run.fail_failed", map[string]any{"run_id": run.ID, "error": failErr})
		}
		return runs.Run{}, fmt.Errorf("dispatch run: %w", err)
	}
	return run, nil
}

func (s *Service) validate(in SubmitInput) (runs.Params, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return runs.Params{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if len(in.Documents) == 0 {
		return runs.Params{}, fmt.Errorf("%w: at least one document is required", ErrInvalidInput)
	}
	limit := s.MaxDocuments
	if limit <= 0 {
		limit = defaultMaxDocuments
	}
	if len(in.Documents) > limit {
		return runs.Params{}, fmt.Errorf("%w: at most %d documents per run", ErrInvalidInput, limit)
	}
	seen := make(map[string]struct{}, len(in.Documents))
	docs := make([]documents.Descriptor, 0, len(in.Documents))
	for i, d := range in.Documents {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return runs.Params{}, fmt.Errorf("%w: document %d has no id", ErrInvalidInput, i+1)
		}
		if _, dup := seen[d.ID]; dup {
			return runs.Params{}, fmt.Errorf("%w: document %s is listed twice", ErrInvalidInput, d.ID)
		}
		seen[d.ID] = struct{}{}
		d.SourceLocator = strings.TrimSpace(d.SourceLocator)
		d.Description = strings.TrimSpace(d.Description)
		docs = append(docs, d)
	}
	instructions := strings.TrimSpace(in.Instructions)
	if utf8.RuneCountInString(instructions) > maxInstructionsLength {
		return runs.Params{}, fmt.Errorf("%w: instructions exceed %d characters", ErrInvalidInput, maxInstructionsLength)
	}
	strategy, err := parseStrategy(in.Strategy)
	if err != nil {
		return runs.Params{}, err
	}
	provider, err := s.resolveProvider(in.Provider)
	if err != nil {
		return runs.Params{}, err
	}
	return runs.Params{
		Documents:         docs,
		Instructions:      instructions,
		Provider:          provider,
		ExtendedReasoning: in.ExtendedReasoning,
		StrategyOverride:  strategy,
		Credentials:       in.Credentials,
	}, nil
}

func (s *Service) resolveProvider(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if s.Providers == nil {
		return strings.ToLower(raw), nil
	}
	p, err := s.Providers.Resolve(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	}
	return p.Name(), nil
}

func parseStrategy(raw string) (runs.Strategy, error) {
	switch runs.Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", runs.StrategyAuto:
		return runs.StrategyAuto, nil
	case runs.StrategyRefine:
		return runs.StrategyRefine, nil
	case runs.StrategyBatch:
		return runs.StrategyBatch, nil
	default:
		return "", fmt.Errorf("%w: strategy must be auto, refine or batch", ErrInvalidInput)
	}
}

// GetStatus reads the pollable view of a run. It has no side effects.
func (s *Service) GetStatus(ctx context.Context, runID string) (StatusView, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(run), nil
}

// Cancel sets the cooperative cancellation flag. Stages stop before their
// next unit of work.
func (s *Service) Cancel(ctx context.Context, runID string) (StatusView, error) {
	run, err := s.Store.RequestCancel(ctx, runID)
	if err != nil {
		switch {
		case errors.Is(err, runs.ErrNotFound):
			return StatusView{}, ErrNotFound
		case errors.Is(err, runs.ErrInvalidTransition):
			return StatusView{}, ErrNotCancellable
		}
		return StatusView{}, fmt.Errorf("cancel run: %w", err)
	}
	telemetry.Info("run.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"run_id":            run.ID,
		"status":            string(run.Status),
		"status_transition": "cancel_requested",
	})
	return NewStatusView(run), nil
}

// Resume reopens a failed, resumable run and re-enters refinement at its
// checkpoint.
func (s *Service) Resume(ctx context.Context, runID string) (StatusView, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return StatusView{}, err
	}
	if run.Status != runs.StatusFailed || !run.IsResumable {
		return StatusView{}, ErrNotResumable
	}
	run, err = s.Store.PrepareResume(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			return StatusView{}, ErrNotResumable
		}
		return StatusView{}, fmt.Errorf("prepare resume: %w", err)
	}
	telemetry.Info("run.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"run_id":            run.ID,
		"status":            string(run.Status),
		"status_transition": "failed->processing",
		"checkpoint":        run.CurrentDocumentIndex,
	})
	if err := s.dispatch(ctx, run.ID, queue.ActionResume); err != nil {
		if failErr := s.Store.Fail(context.WithoutCancel(ctx), run.ID, dispatchFailureMessage, true); failErr != nil {
			telemetry.Error("run.fail_failed", map[string]any{"run_id": run.ID, "error": failErr})
		}
		return StatusView{}, fmt.Errorf("dispatch resume: %w", err)
	}
	return NewStatusView(run), nil
}

// List returns the owner's runs newest first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]StatusView, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.Store.ListRunsByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	views := make([]StatusView, 0, len(list))
	for _, r := range list {
		v := NewStatusView(r)
		v.Result = ""
		views = append(views, v)
	}
	return views, nil
}

// ProcessRun drives a run from its persisted phase. Queue consumers call it
// for process messages.
func (s *Service) ProcessRun(ctx context.Context, runID string) error {
	if s.Processor == nil {
		return errors.New("pipeline not configured")
	}
	return s.Processor.Process(ctx, runID)
}

// ResumeRun continues refinement from the checkpoint. Queue consumers call it
// for resume messages.
func (s *Service) ResumeRun(ctx context.Context, runID string) error {
	if s.Processor == nil {
		return errors.New("pipeline not configured")
	}
	return s.Processor.Resume(ctx, runID)
}

// Wait blocks until runs driven in-process have returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) dispatch(ctx context.Context, runID string, action queue.Action) error {
	if s.Queue != nil {
		return s.Queue.Send(ctx, queue.Message{
			RunID:      runID,
			Action:     action,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: s.now().Format(time.RFC3339),
			Version:    queue.MessageVersion,
		})
	}
	if s.Processor == nil {
		return errors.New("no queue or pipeline configured")
	}
	s.wg.Add(1)
	go s.runAsync(backgroundWithRequestID(ctx), runID, action)
	return nil
}

func (s *Service) runAsync(ctx context.Context, runID string, action queue.Action) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error("run.panic", map[string]any{
				"request_id": requestIDFromContext(ctx),
				"run_id":     runID,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
			if err := s.Store.Fail(ctx, runID, panicMessage, false); err != nil {
				telemetry.Error("run.fail_failed", map[string]any{"run_id": runID, "error": err})
			}
		}
	}()

	var err error
	if action == queue.ActionResume {
		err = s.ResumeRun(ctx, runID)
	} else {
		err = s.ProcessRun(ctx, runID)
	}
	if err != nil {
		telemetry.Warn("run.async_incomplete", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"run_id":     runID,
			"action":     string(action),
			"error":      err,
		})
	}
}

func (s *Service) getRun(ctx context.Context, runID string) (runs.Run, error) {
	if strings.TrimSpace(runID) == "" {
		return runs.Run{}, fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			return runs.Run{}, ErrNotFound
		}
		return runs.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
