// ABOUTME: Artifact queue rows: extraction stages enqueue typed payloads, the storage stage drains them.
// ABOUTME: Each row carries an opaque JSON payload decoded by kind at drain time.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Artifact queue row statuses.
const (
	ArtifactPending = "pending"
	ArtifactStored  = "stored"
	ArtifactFailed  = "failed"
)

// Artifact kinds.
const (
	KindChunk    = "chunk"
	KindImage    = "image"
	KindLink     = "link"
	KindMetadata = "metadata"
)

// Artifact is one queued stage output awaiting canonical storage.
type Artifact struct {
	ID          string
	DocumentID  string
	SourceStage string
	Kind        string
	Payload     json.RawMessage
	Status      string
	Error       string
	CreatedAt   time.Time
}

// EnqueueArtifact adds one pending artifact to the queue. The row id is
// assigned here and written back to the artifact.
func (s *Store) EnqueueArtifact(ctx context.Context, a *Artifact) error {
	a.ID = s.newID()
	a.Status = ArtifactPending
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifact_queue (id, document_id, source_stage, kind, payload, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?)`,
		a.ID, a.DocumentID, a.SourceStage, a.Kind, string(a.Payload), a.Status, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue artifact: %w", err)
	}
	return nil
}

// PendingArtifacts returns the document's pending queue rows in insertion
// order, up to limit. A limit of 0 means no bound.
func (s *Store) PendingArtifacts(ctx context.Context, documentID string, limit int) ([]*Artifact, error) {
	query := `SELECT id, document_id, source_stage, kind, payload, status, error, created_at
		 FROM artifact_queue WHERE document_id = ? AND status = ? ORDER BY id`
	args := []any{documentID, ArtifactPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		var payload, createdAt string
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.SourceStage, &a.Kind,
			&payload, &a.Status, &a.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// MarkArtifactStored moves one queue row to stored.
func (s *Store) MarkArtifactStored(ctx context.Context, id string) error {
	return s.setArtifactStatus(ctx, id, ArtifactStored, "")
}

// MarkArtifactFailed moves one queue row to failed with a reason.
func (s *Store) MarkArtifactFailed(ctx context.Context, id, reason string) error {
	return s.setArtifactStatus(ctx, id, ArtifactFailed, reason)
}

// ClearArtifacts removes all queue rows a stage produced for a document,
// used by output cleanup before a re-run.
func (s *Store) ClearArtifacts(ctx context.Context, documentID, sourceStage string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM artifact_queue WHERE document_id = ? AND source_stage = ?",
		documentID, sourceStage)
	if err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	return nil
}

func (s *Store) setArtifactStatus(ctx context.Context, id, status, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE artifact_queue SET status = ?, error = ? WHERE id = ?",
		status, reason, id)
	if err != nil {
		return fmt.Errorf("set artifact status: %w", err)
	}
	return nil
}
