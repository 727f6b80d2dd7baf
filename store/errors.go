// ABOUTME: Pipeline error rows: one per failure event, linked into retry chains by correlation id.
// ABOUTME: Chain resolution matches on the correlation prefix so every attempt's row closes together.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/docpipe/docpipe/pipeline"
)

// InsertPipelineError writes one error row.
func (s *Store) InsertPipelineError(ctx context.Context, e *pipeline.PipelineError) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_errors
			(id, document_id, stage, error_type, category, message, stack,
			 retry_attempt, max_retries, status, correlation_id, next_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.Stage, e.ErrorType, e.Category, e.Message, e.Stack,
		e.RetryAttempt, e.MaxRetries, e.Status, e.CorrelationID,
		formatTimePtr(e.NextRetryAt), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pipeline error: %w", err)
	}
	return nil
}

// UpdatePipelineErrorStatus sets the status of one error row.
func (s *Store) UpdatePipelineErrorStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pipeline_errors SET status = ?, updated_at = ? WHERE id = ?",
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update pipeline error status: %w", err)
	}
	return nil
}

// MarkPipelineErrorRetrying sets a row to retrying with its scheduled retry time.
func (s *Store) MarkPipelineErrorRetrying(ctx context.Context, id string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pipeline_errors SET status = ?, next_retry_at = ?, updated_at = ? WHERE id = ?",
		pipeline.ErrorStatusRetrying, formatTime(nextRetryAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark pipeline error retrying: %w", err)
	}
	return nil
}

// ResolvePipelineErrors closes every open row of one (request, stage) retry
// chain. Correlation ids are {request_id}.stage_{stage}.retry_{attempt}, so
// the chain is everything sharing the prefix before the attempt number.
func (s *Store) ResolvePipelineErrors(ctx context.Context, requestID, stage string) error {
	prefix := fmt.Sprintf("%s.stage_%s.retry_", requestID, stage)
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_errors SET status = ?, updated_at = ?
		 WHERE correlation_id LIKE ? || '%' AND status IN (?, ?)`,
		pipeline.ErrorStatusResolved, formatTime(time.Now()), prefix,
		pipeline.ErrorStatusPending, pipeline.ErrorStatusRetrying)
	if err != nil {
		return fmt.Errorf("resolve pipeline errors: %w", err)
	}
	return nil
}

// FailPipelineErrors closes every open row of one (request, stage) retry
// chain as failed and clears its scheduled retry times, so a definitively
// failed chain leaves no rows that look like pending work.
func (s *Store) FailPipelineErrors(ctx context.Context, requestID, stage string) error {
	prefix := fmt.Sprintf("%s.stage_%s.retry_", requestID, stage)
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_errors SET status = ?, next_retry_at = NULL, updated_at = ?
		 WHERE correlation_id LIKE ? || '%' AND status IN (?, ?)`,
		pipeline.ErrorStatusFailed, formatTime(time.Now()), prefix,
		pipeline.ErrorStatusPending, pipeline.ErrorStatusRetrying)
	if err != nil {
		return fmt.Errorf("fail pipeline errors: %w", err)
	}
	return nil
}

// ListPipelineErrors returns all error rows for one document, newest first.
func (s *Store) ListPipelineErrors(ctx context.Context, documentID string) ([]*pipeline.PipelineError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, stage, error_type, category, message, stack,
			retry_attempt, max_retries, status, correlation_id, next_retry_at, created_at, updated_at
		 FROM pipeline_errors WHERE document_id = ? ORDER BY created_at DESC`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("query pipeline errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*pipeline.PipelineError
	for rows.Next() {
		var e pipeline.PipelineError
		var nextRetryAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Stage, &e.ErrorType, &e.Category,
			&e.Message, &e.Stack, &e.RetryAttempt, &e.MaxRetries, &e.Status,
			&e.CorrelationID, &nextRetryAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline error row: %w", err)
		}
		e.NextRetryAt = parseTimePtr(nextRetryAt)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
