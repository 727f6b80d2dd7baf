// ABOUTME: Completion marker persistence: one row per (document, stage) keyed by input hash.
// ABOUTME: Set is an upsert so re-running a stage with new inputs replaces the old marker atomically.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docpipe/docpipe/pipeline"
)

// GetMarker loads the completion marker for a (document, stage) pair.
// Returns (nil, nil) when the stage has never completed.
func (s *Store) GetMarker(ctx context.Context, documentID, stage string) (*pipeline.CompletionMarker, error) {
	var m pipeline.CompletionMarker
	var completedAt, metadata string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, stage, completed_at, data_hash, metadata
		 FROM completion_markers WHERE document_id = ? AND stage = ?`,
		documentID, stage).Scan(&m.DocumentID, &m.Stage, &completedAt, &m.DataHash, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query marker: %w", err)
	}

	m.CompletedAt = parseTime(completedAt)
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode marker metadata: %w", err)
	}
	return &m, nil
}

// SetMarker upserts a completion marker.
func (s *Store) SetMarker(ctx context.Context, marker *pipeline.CompletionMarker) error {
	metadata, err := json.Marshal(marker.Metadata)
	if err != nil {
		return fmt.Errorf("encode marker metadata: %w", err)
	}
	if marker.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO completion_markers (document_id, stage, completed_at, data_hash, metadata)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, stage) DO UPDATE SET
			completed_at = excluded.completed_at,
			data_hash = excluded.data_hash,
			metadata = excluded.metadata`,
		marker.DocumentID, marker.Stage, formatTime(marker.CompletedAt), marker.DataHash, string(metadata))
	if err != nil {
		return fmt.Errorf("upsert marker: %w", err)
	}
	return nil
}

// ClearMarker removes a completion marker. Clearing an absent marker is a no-op.
func (s *Store) ClearMarker(ctx context.Context, documentID, stage string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM completion_markers WHERE document_id = ? AND stage = ?",
		documentID, stage)
	if err != nil {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}
