// Package pipeline drives an analysis run through download, map and reduce
// (batch consolidation or sequential refinement) to the final analysis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/extract"
	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/notify"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/config"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     runs.Store
	Fetcher   documents.Fetcher
	Extractor extract.Extractor
	Providers *llm.Registry
	Throttler llm.Throttler
	// RatePerMinute is keyed by provider name. Zero disables spacing.
	RatePerMinute map[string]int
	Notifier      notify.Sink
	Config        config.Pipeline
	Now           func() time.Time
}

// Orchestrator runs the pipeline for one run at a time per call. It keeps no
// per-run state between calls; everything lives in the Store.
type Orchestrator struct {
	store     runs.Store
	fetcher   documents.Fetcher
	extractor extract.Extractor
	providers *llm.Registry
	throttler llm.Throttler
	rates     map[string]int
	notifier  notify.Sink
	cfg       config.Pipeline
	policy    llm.RetryPolicy
	now       func() time.Time
}

// New validates deps and builds an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Extractor == nil || deps.Providers == nil {
		return nil, errors.New("pipeline: store, fetcher, extractor and providers are required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.LogSink{}
	}
	return &Orchestrator{
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		providers: deps.Providers,
		throttler: deps.Throttler,
		rates:     deps.RatePerMinute,
		notifier:  notifier,
		cfg:       deps.Config,
		policy: llm.RetryPolicy{
			RateLimitRetries:   deps.Config.RateLimitRetries,
			RateLimitBaseDelay: deps.Config.RateLimitBaseDelay,
			TransientRetries:   deps.Config.TransientRetries,
			TransientBaseDelay: deps.Config.TransientBaseDelay,
		},
		now: now,
	}, nil
}

// runScope carries what one Process or Resume call resolved for a run.
type runScope struct {
	runID    string
	ownerID  string
	params   runs.Params
	provider llm.Provider
	meter    *llm.Meter
	fields   map[string]any
}

// scope resolves the run's provider once and wraps it with throttling,
// retries and usage metering.
func (o *Orchestrator) scope(run runs.Run) (*runScope, error) {
	raw, err := o.providers.Resolve(run.Params.Provider)
	if err != nil {
		return nil, &stageError{Stage: "setup", Message: "The selected AI provider is not available.", Err: err}
	}
	fields := map[string]any{"run_id": run.ID, "owner_id": run.OwnerID, "provider": raw.Name()}
	meter := llm.NewMeter(run.Usage)
	governed := &llm.Governed{
		Provider:      raw,
		Throttler:     o.throttler,
		RatePerMinute: o.rates[raw.Name()],
		Policy:        o.policy,
		Fields:        fields,
	}
	return &runScope{
		runID:    run.ID,
		ownerID:  run.OwnerID,
		params:   run.Params,
		provider: llm.Metered(governed, meter),
		meter:    meter,
		fields:   fields,
	}, nil
}

func (o *Orchestrator) staleBefore() time.Time {
	return o.now().Add(-o.cfg.UnitLeaseTimeout)
}

// recordUsage persists the meter. Failures only cost observability.
func (o *Orchestrator) recordUsage(ctx context.Context, sc *runScope) {
	snap := sc.meter.Snapshot()
	if snap.CallCount == 0 {
		return
	}
	if err := o.store.RecordUsage(context.WithoutCancel(ctx), sc.runID, snap); err != nil {
		warn("run.usage_record_failed", sc, map[string]any{"error": err})
	}
}

func documentLabel(d documents.Descriptor, index int) string {
	switch {
	case d.Description != "":
		return d.Description
	case d.FileName != "":
		return d.FileName
	case d.ID != "":
		return d.ID
	}
	return fmt.Sprintf("document %d", index+1)
}

func estimateTokens(usage llm.Usage, prompt, result string) int {
	if total := usage.Total(); total > 0 {
		return int(total)
	}
	return (len(prompt) + len(result)) / 4
}
