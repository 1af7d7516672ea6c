package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseanalysis-backend/internal/llm"
)

// PGStore implements Store using Postgres.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore wires a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

const runColumns = `id, owner_id, group_key, status, phase, strategy, total_documents, processed_documents,
       total_characters, evolutionary_summary, current_document_index, is_resumable, cancel_requested,
       progress_message, reduce_current_level, reduce_total_levels, reduce_processed_batches,
       reduce_total_batches, result, error_message, processing_time_ms, params, usage,
       created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var summary, result, errorMessage sql.NullString
	var params []byte
	var usage []byte
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&r.ID,
		&r.OwnerID,
		&r.GroupKey,
		&r.Status,
		&r.Phase,
		&r.Strategy,
		&r.TotalDocuments,
		&r.ProcessedDocuments,
		&r.TotalCharacters,
		&summary,
		&r.CurrentDocumentIndex,
		&r.IsResumable,
		&r.CancelRequested,
		&r.ProgressMessage,
		&r.Reduce.CurrentLevel,
		&r.Reduce.TotalLevels,
		&r.Reduce.ProcessedBatches,
		&r.Reduce.TotalBatches,
		&result,
		&errorMessage,
		&r.ProcessingTimeMs,
		&params,
		&usage,
		&r.CreatedAt,
		&r.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	r.EvolutionarySummary = summary.String
	r.Result = result.String
	r.ErrorMessage = errorMessage.String
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return Run{}, fmt.Errorf("decode run params: %w", err)
		}
	}
	if len(usage) > 0 && string(usage) != "null" {
		var meta llm.InferenceCallMetadata
		if err := json.Unmarshal(usage, &meta); err == nil {
			r.Usage = &meta
		}
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *PGStore) CreateRun(ctx context.Context, run Run) error {
	const query = `
INSERT INTO analysis_runs (
	id, owner_id, group_key, status, phase, strategy, total_documents, processed_documents,
	total_characters, current_document_index, progress_message, params, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $13)`
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode run params: %w", err)
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.DB.ExecContext(ctx, query,
		run.ID,
		run.OwnerID,
		run.GroupKey,
		run.Status,
		run.Phase,
		run.Strategy,
		run.TotalDocuments,
		run.ProcessedDocuments,
		run.TotalCharacters,
		run.CurrentDocumentIndex,
		run.ProgressMessage,
		string(params),
		created,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PGStore) GetRun(ctx context.Context, runID string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs WHERE id = $1`
	return scanRun(s.DB.QueryRowContext(ctx, query, runID))
}

func (s *PGStore) ListRunsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Run, error) {
	limit, offset = clampPage(limit, offset)
	query := `SELECT ` + runColumns + `
FROM analysis_runs
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	rows, err := s.DB.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// guardedRunUpdate runs an UPDATE whose WHERE clause carries the transition
// guard. Zero affected rows means either a missing run or a rejected
// transition.
func (s *PGStore) guardedRunUpdate(ctx context.Context, runID, op, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s in status %s: %w", op, run.Status, ErrInvalidTransition)
}

func (s *PGStore) StartProcessing(ctx context.Context, runID string) (Run, error) {
	const query = `
UPDATE analysis_runs
SET status = 'processing',
    started_at = COALESCE(started_at, now()),
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	if err := s.guardedRunUpdate(ctx, runID, "start run", query, runID); err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, runID)
}

func (s *PGStore) AdvancePhase(ctx context.Context, runID string, phase Phase) error {
	const query = `
UPDATE analysis_runs
SET phase = $2, updated_at = now()
WHERE id = $1
  AND (CASE phase WHEN 'download' THEN 0 WHEN 'map' THEN 1 WHEN 'reduce' THEN 2 ELSE 3 END) < $3`
	res, err := s.DB.ExecContext(ctx, query, runID, phase, phase.Rank())
	if err != nil {
		return fmt.Errorf("advance phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Phase == phase {
		return nil
	}
	return fmt.Errorf("phase %s to %s: %w", run.Phase, phase, ErrInvalidTransition)
}

func (s *PGStore) UpdateProgress(ctx context.Context, runID string, processed int, message string) error {
	const query = `
UPDATE analysis_runs
SET processed_documents = GREATEST(processed_documents, LEAST($2, total_documents)),
    progress_message = COALESCE(NULLIF($3, ''), progress_message),
    updated_at = now()
WHERE id = $1`
	return s.execRun(ctx, "update progress", query, runID, processed, message)
}

func (s *PGStore) SetTotalCharacters(ctx context.Context, runID string, total int64) error {
	const query = `UPDATE analysis_runs SET total_characters = $2, updated_at = now() WHERE id = $1`
	return s.execRun(ctx, "set total characters", query, runID, total)
}

func (s *PGStore) SetStrategy(ctx context.Context, runID string, strategy Strategy) error {
	const query = `UPDATE analysis_runs SET strategy = $2, updated_at = now() WHERE id = $1`
	return s.execRun(ctx, "set strategy", query, runID, strategy)
}

func (s *PGStore) SetReduceProgress(ctx context.Context, runID string, progress ReduceProgress, message string) error {
	const query = `
UPDATE analysis_runs
SET reduce_current_level = $2,
    reduce_total_levels = $3,
    reduce_processed_batches = $4,
    reduce_total_batches = $5,
    progress_message = COALESCE(NULLIF($6, ''), progress_message),
    updated_at = now()
WHERE id = $1`
	return s.execRun(ctx, "set reduce progress", query, runID,
		progress.CurrentLevel, progress.TotalLevels, progress.ProcessedBatches, progress.TotalBatches, message)
}

func (s *PGStore) SaveCheckpoint(ctx context.Context, runID string, index int, summary string) error {
	const query = `
UPDATE analysis_runs
SET current_document_index = $2,
    evolutionary_summary = $3,
    updated_at = now()
WHERE id = $1`
	return s.execRun(ctx, "save checkpoint", query, runID, index, summary)
}

func (s *PGStore) RecordUsage(ctx context.Context, runID string, usage llm.InferenceCallMetadata) error {
	payload, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	const query = `UPDATE analysis_runs SET usage = $2::jsonb, updated_at = now() WHERE id = $1`
	return s.execRun(ctx, "record usage", query, runID, string(payload))
}

func (s *PGStore) Complete(ctx context.Context, runID string, result string, processingTimeMs int64) error {
	const query = `
UPDATE analysis_runs
SET status = 'completed',
    phase = 'completed',
    result = $2,
    processing_time_ms = $3,
    processed_documents = total_documents,
    is_resumable = FALSE,
    error_message = NULL,
    completed_at = now(),
    updated_at = now()
WHERE id = $1 AND status = 'processing'`
	return s.guardedRunUpdate(ctx, runID, "complete run", query, runID, result, processingTimeMs)
}

func (s *PGStore) Fail(ctx context.Context, runID string, message string, resumable bool) error {
	const query = `
UPDATE analysis_runs
SET status = 'failed',
    error_message = $2,
    is_resumable = $3,
    completed_at = now(),
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	return s.guardedRunUpdate(ctx, runID, "fail run", query, runID, message, resumable)
}

func (s *PGStore) RequestCancel(ctx context.Context, runID string) (Run, error) {
	const query = `
UPDATE analysis_runs
SET cancel_requested = TRUE,
    status = 'cancelled',
    progress_message = 'Cancelled by user',
    completed_at = now(),
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	if err := s.guardedRunUpdate(ctx, runID, "cancel run", query, runID); err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, runID)
}

func (s *PGStore) PrepareResume(ctx context.Context, runID string) (Run, error) {
	const query = `
UPDATE analysis_runs
SET status = 'processing',
    is_resumable = FALSE,
    error_message = NULL,
    completed_at = NULL,
    progress_message = 'Resuming from checkpoint',
    updated_at = now()
WHERE id = $1 AND status = 'failed' AND is_resumable`
	if err := s.guardedRunUpdate(ctx, runID, "resume run", query, runID); err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, runID)
}

func (s *PGStore) execRun(ctx context.Context, op, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const unitColumns = `id, seq, run_id, reduce_level, document_index, batch_index, source_document_id,
       description, mime_type, extracted_text, result, status, error_message, parent_ids, metadata,
       token_estimate, processing_time_ms, created_at, updated_at`

func scanUnit(row rowScanner) (Unit, error) {
	var u Unit
	var parentIDs, metadata []byte
	err := row.Scan(
		&u.ID,
		&u.Seq,
		&u.RunID,
		&u.ReduceLevel,
		&u.DocumentIndex,
		&u.BatchIndex,
		&u.SourceDocumentID,
		&u.Description,
		&u.MimeType,
		&u.ExtractedText,
		&u.Result,
		&u.Status,
		&u.ErrorMessage,
		&parentIDs,
		&metadata,
		&u.TokenEstimate,
		&u.ProcessingTimeMs,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Unit{}, ErrNotFound
		}
		return Unit{}, err
	}
	if len(parentIDs) > 0 {
		if err := json.Unmarshal(parentIDs, &u.ParentIDs); err != nil {
			return Unit{}, fmt.Errorf("decode parent ids: %w", err)
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &u.Metadata); err != nil {
			u.Metadata = nil
		}
	}
	return u, nil
}

func (s *PGStore) CreateUnit(ctx context.Context, unit Unit) error {
	const query = `
INSERT INTO analysis_units (
	id, run_id, reduce_level, document_index, batch_index, source_document_id, description,
	mime_type, extracted_text, result, status, error_message, parent_ids, metadata
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14::jsonb)
ON CONFLICT (run_id, reduce_level, batch_index) DO NOTHING
RETURNING seq`
	parents := unit.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentPayload, err := json.Marshal(parents)
	if err != nil {
		return err
	}
	metadataPayload, err := marshalNullableJSON(unit.Metadata)
	if err != nil {
		return err
	}
	var seq int64
	err = s.DB.QueryRowContext(ctx, query,
		unit.ID,
		unit.RunID,
		unit.ReduceLevel,
		unit.DocumentIndex,
		unit.BatchIndex,
		unit.SourceDocumentID,
		unit.Description,
		unit.MimeType,
		unit.ExtractedText,
		unit.Result,
		unit.Status,
		unit.ErrorMessage,
		string(parentPayload),
		metadataPayload,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (s *PGStore) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM analysis_units WHERE id = $1`
	return scanUnit(s.DB.QueryRowContext(ctx, query, unitID))
}

func (s *PGStore) ListUnits(ctx context.Context, filter UnitFilter) ([]Unit, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + unitColumns + ` FROM analysis_units WHERE run_id = $1`)
	args := []any{filter.RunID}
	if filter.Level != nil {
		args = append(args, *filter.Level)
		fmt.Fprintf(&b, " AND reduce_level = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		b.WriteString(" AND status IN (" + strings.Join(placeholders, ", ") + ")")
	}
	b.WriteString(" ORDER BY document_index ASC, seq ASC")

	rows, err := s.DB.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Unit{}
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	return out, rows.Err()
}

func (s *PGStore) ClaimUnit(ctx context.Context, unitID string, staleBefore time.Time) (Unit, bool, error) {
	query := `
UPDATE analysis_units
SET status = 'processing', updated_at = now()
WHERE id = $1
  AND (status = 'pending' OR (status = 'processing' AND updated_at < $2))
RETURNING ` + unitColumns
	unit, err := scanUnit(s.DB.QueryRowContext(ctx, query, unitID, staleBefore))
	if err == nil {
		return unit, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Unit{}, false, fmt.Errorf("claim unit: %w", err)
	}
	current, err := s.GetUnit(ctx, unitID)
	if err != nil {
		return Unit{}, false, err
	}
	return current, false, nil
}

func (s *PGStore) TouchUnit(ctx context.Context, unitID string) error {
	const query = `UPDATE analysis_units SET updated_at = now() WHERE id = $1 AND status = 'processing'`
	return s.guardedUnitUpdate(ctx, unitID, "touch unit", query, unitID)
}

func (s *PGStore) CompleteUnit(ctx context.Context, unitID string, result string, tokenEstimate int, processingTimeMs int64, metadata map[string]any) error {
	const query = `
UPDATE analysis_units
SET status = 'completed',
    result = $2,
    token_estimate = $3,
    processing_time_ms = $4,
    metadata = COALESCE($5::jsonb, metadata),
    error_message = '',
    updated_at = now()
WHERE id = $1 AND status = 'processing'`
	payload, err := marshalNullableJSON(metadata)
	if err != nil {
		return err
	}
	return s.guardedUnitUpdate(ctx, unitID, "complete unit", query, unitID, result, tokenEstimate, processingTimeMs, payload)
}

func (s *PGStore) FailUnit(ctx context.Context, unitID string, message string, processingTimeMs int64) error {
	const query = `
UPDATE analysis_units
SET status = 'failed',
    error_message = $2,
    processing_time_ms = $3,
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	return s.guardedUnitUpdate(ctx, unitID, "fail unit", query, unitID, message, processingTimeMs)
}

func (s *PGStore) ResetUnit(ctx context.Context, unitID string, extractedText string) error {
	const query = `
UPDATE analysis_units
SET status = 'pending',
    error_message = '',
    extracted_text = $2,
    processing_time_ms = 0,
    updated_at = now()
WHERE id = $1 AND status <> 'completed'`
	return s.guardedUnitUpdate(ctx, unitID, "reset unit", query, unitID, extractedText)
}

func (s *PGStore) guardedUnitUpdate(ctx context.Context, unitID, op, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	unit, err := s.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s in status %s: %w", op, unit.Status, ErrInvalidTransition)
}

func (s *PGStore) CountUnits(ctx context.Context, runID string, level int) (UnitCounts, error) {
	const query = `
SELECT
    COUNT(*) FILTER (WHERE status = 'pending'),
    COUNT(*) FILTER (WHERE status = 'processing'),
    COUNT(*) FILTER (WHERE status = 'completed'),
    COUNT(*) FILTER (WHERE status = 'failed')
FROM analysis_units
WHERE run_id = $1 AND reduce_level = $2`
	var c UnitCounts
	if err := s.DB.QueryRowContext(ctx, query, runID, level).Scan(&c.Pending, &c.Processing, &c.Completed, &c.Failed); err != nil {
		return UnitCounts{}, fmt.Errorf("count units: %w", err)
	}
	return c, nil
}

func (s *PGStore) SumProcessingTime(ctx context.Context, runID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(processing_time_ms), 0) FROM analysis_units WHERE run_id = $1`
	var total int64
	if err := s.DB.QueryRowContext(ctx, query, runID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum processing time: %w", err)
	}
	return total, nil
}

func marshalNullableJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

var _ Store = (*PGStore)(nil)
