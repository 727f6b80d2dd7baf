// ABOUTME: Structured error logging to pipeline_errors rows with a daily JSON-lines file mirror.
// ABOUTME: Never throws through to callers; store failures degrade to file-only logging with a warning.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// PipelineError statuses.
const (
	ErrorStatusPending  = "pending"
	ErrorStatusRetrying = "retrying"
	ErrorStatusResolved = "resolved"
	ErrorStatusFailed   = "failed"
)

// PipelineError is one persisted failure event. Correlation IDs link all
// attempts of one retry chain: {request_id}.stage_{stage}.retry_{attempt}.
type PipelineError struct {
	ID            string
	DocumentID    string
	Stage         string
	ErrorType     string
	Category      string
	Message       string
	Stack         string
	RetryAttempt  int
	MaxRetries    int
	Status        string
	CorrelationID string
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrorStore persists pipeline error rows.
type ErrorStore interface {
	InsertPipelineError(ctx context.Context, e *PipelineError) error
	UpdatePipelineErrorStatus(ctx context.Context, id, status string) error
	// MarkPipelineErrorRetrying sets a row to retrying with its next_retry_at time.
	MarkPipelineErrorRetrying(ctx context.Context, id string, nextRetryAt time.Time) error
	// ResolvePipelineErrors marks every pending or retrying row of one
	// (request, stage) chain as resolved.
	ResolvePipelineErrors(ctx context.Context, requestID, stage string) error
	// FailPipelineErrors marks every pending or retrying row of one
	// (request, stage) chain as failed and clears scheduled retry times.
	FailPipelineErrors(ctx context.Context, requestID, stage string) error
}

// ErrorLogger writes one PipelineError row per failure event and appends a
// snapshot line to a daily JSON-lines file. Logging never fails the caller.
type ErrorLogger struct {
	store ErrorStore
	dir   string

	mu       sync.Mutex
	entropy  *rand.Rand
	degraded bool
}

// NewErrorLogger creates a logger persisting rows through store and files
// under dir. An empty dir disables the file mirror.
func NewErrorLogger(store ErrorStore, dir string) *ErrorLogger {
	return &ErrorLogger{
		store:   store,
		dir:     dir,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Log records one failure event and returns the error row ID. On store
// failure the row is still mirrored to the daily file and a warning is
// printed once; Log itself never returns an error.
func (l *ErrorLogger) Log(ctx context.Context, e *PipelineError) string {
	l.mu.Lock()
	e.ID = ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String()
	l.mu.Unlock()

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = ErrorStatusPending
	}

	if l.store != nil {
		if err := l.store.InsertPipelineError(ctx, e); err != nil {
			l.warnOnce(err)
		}
	}

	l.appendFile(e)
	return e.ID
}

// UpdateStatus updates the status of a previously logged error row.
func (l *ErrorLogger) UpdateStatus(ctx context.Context, id, status string) {
	if l.store == nil {
		return
	}
	if err := l.store.UpdatePipelineErrorStatus(ctx, id, status); err != nil {
		l.warnOnce(err)
	}
}

// MarkRetrying sets an error row to retrying with the time the background
// retry is scheduled for.
func (l *ErrorLogger) MarkRetrying(ctx context.Context, id string, nextRetryAt time.Time) {
	if l.store == nil {
		return
	}
	if err := l.store.MarkPipelineErrorRetrying(ctx, id, nextRetryAt); err != nil {
		l.warnOnce(err)
	}
}

// ResolveChain marks every open error row of one (request, stage) retry
// chain as resolved. Called when a later attempt succeeds.
func (l *ErrorLogger) ResolveChain(ctx context.Context, requestID, stage string) {
	if l.store == nil {
		return
	}
	if err := l.store.ResolvePipelineErrors(ctx, requestID, stage); err != nil {
		l.warnOnce(err)
	}
}

// FailChain marks every open error row of one (request, stage) retry chain
// as failed. Called when the chain fails definitively, so earlier attempts'
// rows do not linger as phantom scheduled retries.
func (l *ErrorLogger) FailChain(ctx context.Context, requestID, stage string) {
	if l.store == nil {
		return
	}
	if err := l.store.FailPipelineErrors(ctx, requestID, stage); err != nil {
		l.warnOnce(err)
	}
}

// appendFile appends one JSON line to the day's error log file. Best-effort.
func (l *ErrorLogger) appendFile(e *PipelineError) {
	if l.dir == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	name := fmt.Sprintf("errors-%s.ndjson", time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[errorlog] open file: %v\n", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(errorFileEntry{
		ID:            e.ID,
		DocumentID:    e.DocumentID,
		Stage:         e.Stage,
		ErrorType:     e.ErrorType,
		Category:      e.Category,
		Message:       e.Message,
		Stack:         e.Stack,
		RetryAttempt:  e.RetryAttempt,
		MaxRetries:    e.MaxRetries,
		Status:        e.Status,
		CorrelationID: e.CorrelationID,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[errorlog] marshal: %v\n", err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		fmt.Fprintf(os.Stderr, "[errorlog] write: %v\n", err)
	}
}

// errorFileEntry is the JSON shape of one daily-file line.
type errorFileEntry struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	Stage         string `json:"stage"`
	ErrorType     string `json:"error_type"`
	Category      string `json:"category"`
	Message       string `json:"message"`
	Stack         string `json:"stack,omitempty"`
	RetryAttempt  int    `json:"retry_attempt"`
	MaxRetries    int    `json:"max_retries"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	CreatedAt     string `json:"created_at"`
}

// warnOnce prints the first store failure, then stays quiet while degraded.
func (l *ErrorLogger) warnOnce(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.degraded {
		l.degraded = true
		fmt.Fprintf(os.Stderr, "[errorlog] store unavailable, degrading to file-only logging: %v\n", err)
	}
}
