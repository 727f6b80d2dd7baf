// ABOUTME: Per-(document, stage) status tracking with canonical 0-100 progress and debounced persistence.
// ABOUTME: Fractional 0-1 progress inputs are auto-scaled with a warning emitted once per (document, stage).
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Stage statuses.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkip      = "skipped"
)

// StageStatus is the per-document, per-stage state record. Absence of a row
// means the stage has not been attempted.
type StageStatus struct {
	DocumentID  string
	Stage       string
	Status      string
	Progress    int // canonical scale 0-100
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Metadata    map[string]string
	Attempts    int
}

// StatusStore persists stage status rows.
type StatusStore interface {
	UpsertStageStatus(ctx context.Context, s *StageStatus) error
	GetStageStatus(ctx context.Context, documentID, stage string) (*StageStatus, error)
	ListStageStatus(ctx context.Context, documentID string) ([]*StageStatus, error)
}

// defaultProgressDebounce bounds store writes from progress updates.
const defaultProgressDebounce = 500 * time.Millisecond

// Tracker coalesces progress updates and persists stage state transitions.
// Terminal transitions (complete, fail, skip) always write.
type Tracker struct {
	store    StatusStore
	debounce time.Duration

	// OnProgress, when set, is called on every progress update regardless of
	// debouncing. The watchdog uses it to refresh activity timestamps.
	OnProgress func(documentID, stage string)

	mu        sync.Mutex
	current   map[string]*StageStatus
	lastWrite map[string]time.Time
	warned    map[string]bool
}

// NewTracker creates a tracker over the given store.
func NewTracker(store StatusStore) *Tracker {
	return &Tracker{
		store:     store,
		debounce:  defaultProgressDebounce,
		current:   make(map[string]*StageStatus),
		lastWrite: make(map[string]time.Time),
		warned:    make(map[string]bool),
	}
}

func trackerKey(documentID, stage string) string {
	return documentID + "/" + stage
}

// Start marks a stage as running and increments its attempt counter.
func (t *Tracker) Start(ctx context.Context, documentID, stage string) error {
	now := time.Now().UTC()

	prev, err := t.store.GetStageStatus(ctx, documentID, stage)
	if err != nil {
		return fmt.Errorf("load stage status: %w", err)
	}

	s := &StageStatus{
		DocumentID: documentID,
		Stage:      stage,
		Status:     StageRunning,
		Progress:   0,
		StartedAt:  &now,
	}
	if prev != nil {
		s.Attempts = prev.Attempts
	}
	s.Attempts++

	t.mu.Lock()
	t.current[trackerKey(documentID, stage)] = s
	t.lastWrite[trackerKey(documentID, stage)] = now
	t.mu.Unlock()

	return t.store.UpsertStageStatus(ctx, s)
}

// UpdateProgress records progress for a running stage. Accepts either the
// canonical 0-100 scale or fractional 0-1 input, which is auto-scaled with
// a warning emitted once per (document, stage). Values are clamped to
// [0, 100]. Writes are debounced; the final value is flushed by the
// terminal transition.
func (t *Tracker) UpdateProgress(ctx context.Context, documentID, stage string, p float64) error {
	if t.OnProgress != nil {
		t.OnProgress(documentID, stage)
	}

	key := trackerKey(documentID, stage)

	t.mu.Lock()
	if p > 0 && p <= 1 {
		if !t.warned[key] {
			t.warned[key] = true
			fmt.Fprintf(os.Stderr, "[tracker] %s/%s: fractional progress %.3f auto-scaled to 0-100\n", documentID, stage, p)
		}
		p *= 100
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}

	s, ok := t.current[key]
	if !ok {
		s = &StageStatus{DocumentID: documentID, Stage: stage, Status: StageRunning}
		t.current[key] = s
	}
	s.Progress = int(p)

	now := time.Now()
	if now.Sub(t.lastWrite[key]) < t.debounce {
		t.mu.Unlock()
		return nil
	}
	t.lastWrite[key] = now
	snapshot := *s
	t.mu.Unlock()

	return t.store.UpsertStageStatus(ctx, &snapshot)
}

// Complete marks a stage as completed with progress 100 and handler metadata.
func (t *Tracker) Complete(ctx context.Context, documentID, stage string, metadata map[string]string) error {
	return t.finish(ctx, documentID, stage, StageCompleted, 100, "", metadata)
}

// Fail marks a stage as failed, retaining its last progress value.
func (t *Tracker) Fail(ctx context.Context, documentID, stage, errMsg string) error {
	return t.finish(ctx, documentID, stage, StageFailed, -1, errMsg, nil)
}

// Skip marks a stage as skipped with a reason.
func (t *Tracker) Skip(ctx context.Context, documentID, stage, reason string) error {
	return t.finish(ctx, documentID, stage, StageSkip, -1, reason, nil)
}

// ListStatus returns all stage status rows for a document, used by the
// scheduler in smart-resume mode.
func (t *Tracker) ListStatus(ctx context.Context, documentID string) ([]*StageStatus, error) {
	return t.store.ListStageStatus(ctx, documentID)
}

// finish applies a terminal transition. Terminal writes are never debounced.
// progress < 0 keeps the stage's last reported progress.
func (t *Tracker) finish(ctx context.Context, documentID, stage, status string, progress int, errMsg string, metadata map[string]string) error {
	key := trackerKey(documentID, stage)
	now := time.Now().UTC()

	t.mu.Lock()
	s, ok := t.current[key]
	if !ok {
		s = &StageStatus{DocumentID: documentID, Stage: stage}
	}
	s.Status = status
	if progress >= 0 {
		s.Progress = progress
	}
	s.Error = errMsg
	if metadata != nil {
		s.Metadata = metadata
	}
	s.CompletedAt = &now
	snapshot := *s
	delete(t.current, key)
	delete(t.lastWrite, key)
	t.mu.Unlock()

	return t.store.UpsertStageStatus(ctx, &snapshot)
}
