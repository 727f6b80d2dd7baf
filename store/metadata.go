// ABOUTME: Key-value document metadata rows produced by the metadata extraction stage.
// ABOUTME: Set is an upsert; cleanup before a re-run deletes per-document.
package store

import (
	"context"
	"fmt"
)

// SetDocumentMetadata upserts one metadata key for a document.
func (s *Store) SetDocumentMetadata(ctx context.Context, documentID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_metadata (document_id, key, value)
		 VALUES (?, ?, ?)
		 ON CONFLICT(document_id, key) DO UPDATE SET value = excluded.value`,
		documentID, key, value)
	if err != nil {
		return fmt.Errorf("set document metadata: %w", err)
	}
	return nil
}

// GetDocumentMetadata returns all metadata keys for a document.
func (s *Store) GetDocumentMetadata(ctx context.Context, documentID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM document_metadata WHERE document_id = ?", documentID)
	if err != nil {
		return nil, fmt.Errorf("query document metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteDocumentMetadata removes every metadata key of a document.
func (s *Store) DeleteDocumentMetadata(ctx context.Context, documentID string) error {
	return s.deleteByDocument(ctx, "document_metadata", documentID)
}
