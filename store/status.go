// ABOUTME: Stage status rows backing the progress tracker, plus the read slice the status server consumes.
// ABOUTME: Upserts keyed on (document, stage); ordinal ordering is the caller's concern.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docpipe/docpipe/pipeline"
)

// UpsertStageStatus writes one stage status row, replacing any previous state.
func (s *Store) UpsertStageStatus(ctx context.Context, st *pipeline.StageStatus) error {
	metadata, err := json.Marshal(st.Metadata)
	if err != nil {
		return fmt.Errorf("encode stage metadata: %w", err)
	}
	if st.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_status (document_id, stage, status, progress, started_at, completed_at, error, metadata, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, stage) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			metadata = excluded.metadata,
			attempts = excluded.attempts`,
		st.DocumentID, st.Stage, st.Status, st.Progress,
		formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt),
		st.Error, string(metadata), st.Attempts)
	if err != nil {
		return fmt.Errorf("upsert stage status: %w", err)
	}
	return nil
}

// GetStageStatus loads the status row for one (document, stage). Returns
// (nil, nil) when the stage has never been attempted.
func (s *Store) GetStageStatus(ctx context.Context, documentID, stage string) (*pipeline.StageStatus, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stageStatusColumns+" FROM stage_status WHERE document_id = ? AND stage = ?",
		documentID, stage)
	st, err := scanStageStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// ListStageStatus returns all stage status rows for a document.
func (s *Store) ListStageStatus(ctx context.Context, documentID string) ([]*pipeline.StageStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stageStatusColumns+" FROM stage_status WHERE document_id = ? ORDER BY stage",
		documentID)
	if err != nil {
		return nil, fmt.Errorf("query stage status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []*pipeline.StageStatus
	for rows.Next() {
		st, err := scanStageStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

const stageStatusColumns = "document_id, stage, status, progress, started_at, completed_at, error, metadata, attempts"

func scanStageStatus(row rowScanner) (*pipeline.StageStatus, error) {
	var st pipeline.StageStatus
	var startedAt, completedAt sql.NullString
	var metadata string
	if err := row.Scan(&st.DocumentID, &st.Stage, &st.Status, &st.Progress,
		&startedAt, &completedAt, &st.Error, &metadata, &st.Attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan stage status row: %w", err)
	}
	st.StartedAt = parseTimePtr(startedAt)
	st.CompletedAt = parseTimePtr(completedAt)
	if err := json.Unmarshal([]byte(metadata), &st.Metadata); err != nil {
		return nil, fmt.Errorf("decode stage metadata: %w", err)
	}
	return &st, nil
}

// StatusDocuments lists recent documents for the status server.
func (s *Store) StatusDocuments(limit int) ([]*pipeline.Document, error) {
	return s.ListDocuments(context.Background(), limit)
}

// StatusDocument loads one document for the status server.
func (s *Store) StatusDocument(id string) (*pipeline.Document, error) {
	return s.GetDocument(context.Background(), id)
}

// StatusStages lists stage status rows for the status server.
func (s *Store) StatusStages(documentID string) ([]*pipeline.StageStatus, error) {
	return s.ListStageStatus(context.Background(), documentID)
}

// StatusErrors lists pipeline error rows for the status server, newest first.
func (s *Store) StatusErrors(documentID string) ([]*pipeline.PipelineError, error) {
	return s.ListPipelineErrors(context.Background(), documentID)
}
