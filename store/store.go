// ABOUTME: SQLite-backed relational store holding documents, markers, stage status, policies, errors, and locks.
// ABOUTME: Opens with WAL mode and an inline schema; every persistence interface of the pipeline lives here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store is the SQLite-backed persistence layer. One Store corresponds to one
// lock session: advisory locks acquired through it are freed by ReleaseAll on
// shutdown.
type Store struct {
	db      *sql.DB
	session string

	mu      sync.Mutex
	entropy *rand.Rand
}

// Open opens or creates the pipeline database at path and runs the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// A single writer at a time keeps sqlite's lock semantics predictable
	// under the batch controller's worker pool.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			manufacturer TEXT NOT NULL DEFAULT '',
			doc_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			search_ready INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);

		CREATE TABLE IF NOT EXISTS completion_markers (
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			data_hash TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (document_id, stage)
		);

		CREATE TABLE IF NOT EXISTS stage_status (
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			error TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (document_id, stage)
		);

		CREATE TABLE IF NOT EXISTS retry_policies (
			service_name TEXT NOT NULL,
			stage_name TEXT NOT NULL DEFAULT '',
			max_retries INTEGER NOT NULL,
			base_delay_ms INTEGER NOT NULL,
			max_delay_ms INTEGER NOT NULL,
			exponential_base REAL NOT NULL,
			jitter INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (service_name, stage_name)
		);

		CREATE TABLE IF NOT EXISTS pipeline_errors (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			error_type TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			stack TEXT NOT NULL DEFAULT '',
			retry_attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			correlation_id TEXT NOT NULL,
			next_retry_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pipeline_errors_doc ON pipeline_errors(document_id, stage);
		CREATE INDEX IF NOT EXISTS idx_pipeline_errors_corr ON pipeline_errors(correlation_id);

		CREATE TABLE IF NOT EXISTS locks (
			key INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			session_id TEXT NOT NULL,
			token TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_token ON locks(token);

		CREATE TABLE IF NOT EXISTS artifact_queue (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			source_stage TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifact_queue_doc ON artifact_queue(document_id, status);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			text TEXT NOT NULL,
			page INTEGER NOT NULL DEFAULT 0,
			section TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_doc_idx ON chunks(document_id, idx);

		CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			page INTEGER NOT NULL DEFAULT 0,
			object_key TEXT NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			ocr_text TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_images_doc ON images(document_id);

		CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			url TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'link',
			title TEXT NOT NULL DEFAULT '',
			video_meta TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_links_doc ON links(document_id);

		CREATE TABLE IF NOT EXISTS document_metadata (
			document_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (document_id, key)
		);

		CREATE TABLE IF NOT EXISTS embeddings (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			model TEXT NOT NULL,
			dims INTEGER NOT NULL,
			vector BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_embeddings_doc ON embeddings(document_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:      db,
		session: uuid.NewString(),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// newID generates a monotonic-ish ULID row id.
func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// isUniqueViolation reports whether err is a sqlite unique or primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Tolerate rows written with plain RFC3339.
		t, _ = time.Parse(time.RFC3339, v)
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
