package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/metrics"
)

// download creates one level-0 unit per input document. Documents that
// already have a unit are skipped, so a redelivered run does not fetch twice.
func (o *Orchestrator) download(ctx context.Context, sc *runScope) error {
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}
	existing, err := o.store.ListUnits(ctx, runs.UnitFilter{RunID: sc.runID, Level: runs.Level(0)})
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}
	have := make(map[int]bool, len(existing))
	for _, u := range existing {
		have[u.BatchIndex] = true
	}

	docs := sc.params.Documents
	tasks := make([]Task, 0, len(docs))
	for i, doc := range docs {
		if have[i] {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if err := o.ensureActive(ctx, sc.runID); err != nil {
				return err
			}
			return o.downloadOne(ctx, sc, i, doc)
		})
	}

	info("download.started", sc, map[string]any{"documents": len(docs), "pending": len(tasks)})
	group := Group{
		Name:          "download",
		Limit:         o.cfg.DownloadConcurrency,
		AllowFailures: true,
		Fields:        sc.fields,
	}
	if err := group.Run(ctx, tasks); err != nil {
		return err
	}
	if err := o.ensureActive(ctx, sc.runID); err != nil {
		return err
	}

	units, err := o.store.ListUnits(ctx, runs.UnitFilter{RunID: sc.runID, Level: runs.Level(0)})
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}
	var chars int64
	usable := 0
	for _, u := range units {
		if u.Status == runs.UnitFailed {
			continue
		}
		usable++
		chars += int64(utf8.RuneCountInString(u.ExtractedText))
	}
	if err := o.store.SetTotalCharacters(ctx, sc.runID, chars); err != nil {
		return fmt.Errorf("set total characters: %w", err)
	}
	info("download.finished", sc, map[string]any{"units": len(units), "usable": usable, "characters": chars})
	if usable == 0 {
		return failStage("download", "None of the documents could be downloaded or read.")
	}
	return nil
}

func (o *Orchestrator) downloadOne(ctx context.Context, sc *runScope, index int, doc documents.Descriptor) error {
	unit := runs.Unit{
		ID:               uuid.NewString(),
		RunID:            sc.runID,
		ReduceLevel:      0,
		DocumentIndex:    index,
		BatchIndex:       index,
		SourceDocumentID: doc.ID,
		Description:      documentLabel(doc, index),
		MimeType:         doc.MimeType,
		Status:           runs.UnitPending,
	}

	text, fetchErr := o.fetchText(ctx, sc, doc)
	if interrupted(ctx, fetchErr) {
		return fetchErr
	}
	if fetchErr != nil {
		unit.Status = runs.UnitFailed
		unit.ErrorMessage = llm.Translate(fetchErr)
		metrics.IncUnitFailed()
		warn("download.document_failed", sc, map[string]any{"document_id": doc.ID, "index": index, "error": fetchErr})
	} else {
		unit.ExtractedText = text
	}

	if err := o.store.CreateUnit(ctx, unit); err != nil {
		if errors.Is(err, runs.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create unit for document %d: %w", index, err)
	}
	if err := o.store.UpdateProgress(ctx, sc.runID, 0, fmt.Sprintf("Downloaded %s", unit.Description)); err != nil {
		return err
	}
	return fetchErr
}

// fetchText fetches and extracts one document. Empty text is an error.
func (o *Orchestrator) fetchText(ctx context.Context, sc *runScope, doc documents.Descriptor) (string, error) {
	raw, err := o.fetcher.Fetch(ctx, doc.SourceLocator, doc.ID, sc.params.Credentials)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("document is empty")
	}
	text, err := o.extractor.Extract(ctx, raw, doc.MimeType, doc.FileName)
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("no text could be extracted")
	}
	return text, nil
}
