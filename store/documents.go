// ABOUTME: Document table operations: creation, lookup by id or content hash, and status updates.
// ABOUTME: Implements the scheduler's DocumentStore plus the classification and search-flag mutations stages use.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docpipe/docpipe/pipeline"
)

// ErrDuplicateContent is returned by CreateDocument when a document with the
// same content hash already exists.
var ErrDuplicateContent = errors.New("document with identical content already exists")

// CreateDocument inserts a new document row. The caller supplies ID and
// ContentHash; CreatedAt/UpdatedAt are set here.
func (s *Store) CreateDocument(ctx context.Context, doc *pipeline.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = pipeline.DocStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, filename, content_hash, manufacturer, doc_type, status, search_ready, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.ContentHash, doc.Manufacturer, doc.DocType,
		doc.Status, boolToInt(doc.SearchReady), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContent
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads one document by id. Returns (nil, nil) when absent.
func (s *Store) GetDocument(ctx context.Context, id string) (*pipeline.Document, error) {
	return s.queryDocument(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
}

// GetDocumentByHash loads a document by its content hash, used by upload
// deduplication. Returns (nil, nil) when absent.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*pipeline.Document, error) {
	return s.queryDocument(ctx, "SELECT "+documentColumns+" FROM documents WHERE content_hash = ?", hash)
}

// UpdateDocumentStatus sets the document's processing status.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = ? WHERE id = ?",
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update document status: document %s not found", id)
	}
	return nil
}

// SetDocumentClassification records the classification stage's output.
func (s *Store) SetDocumentClassification(ctx context.Context, id, manufacturer, docType string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET manufacturer = ?, doc_type = ?, updated_at = ? WHERE id = ?",
		manufacturer, docType, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set document classification: %w", err)
	}
	return nil
}

// SetSearchReady flips the document's search visibility flag.
func (s *Store) SetSearchReady(ctx context.Context, id string, ready bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET search_ready = ?, updated_at = ? WHERE id = ?",
		boolToInt(ready), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set search_ready: %w", err)
	}
	return nil
}

// ListDocuments returns up to limit documents ordered by creation time
// descending.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]*pipeline.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*pipeline.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

const documentColumns = "id, filename, content_hash, manufacturer, doc_type, status, search_ready, created_at, updated_at"

func (s *Store) queryDocument(ctx context.Context, query string, arg any) (*pipeline.Document, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*pipeline.Document, error) {
	var doc pipeline.Document
	var searchReady int
	var createdAt, updatedAt string
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.ContentHash, &doc.Manufacturer,
		&doc.DocType, &doc.Status, &searchReady, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document row: %w", err)
	}
	doc.SearchReady = searchReady != 0
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return &doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
