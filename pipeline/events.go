// ABOUTME: Pipeline lifecycle events and the NDJSON progress logger with a live.json snapshot.
// ABOUTME: Events flow through an optional callback; file writes are best-effort and never fail callers.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType identifies the kind of pipeline lifecycle event.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline.started"
	EventPipelineCompleted EventType = "pipeline.completed"
	EventPipelineFailed    EventType = "pipeline.failed"
	EventStageStarted      EventType = "stage.started"
	EventStageCompleted    EventType = "stage.completed"
	EventStageFailed       EventType = "stage.failed"
	EventStageSkipped      EventType = "stage.skipped"
	EventStageRetrying     EventType = "stage.retrying"
	EventStageStalled      EventType = "stage.stalled"
)

// Event is one lifecycle event emitted during document processing.
type Event struct {
	Type       EventType
	DocumentID string
	Stage      string
	Data       map[string]any
	Timestamp  time.Time
}

// EventHandler receives engine events. Handlers must not block for long;
// they are called inline from the scheduler and orchestrator.
type EventHandler func(Event)

// progressEntry is the JSON shape of one NDJSON log line.
type progressEntry struct {
	Timestamp  string         `json:"timestamp"`
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// LiveState is the current processing snapshot written to live.json after
// each event so external tools can poll for status.
type LiveState struct {
	Status      string   `json:"status"`
	ActiveStage string   `json:"active_stage"`
	Completed   []string `json:"completed"`
	Failed      []string `json:"failed"`
	StartedAt   string   `json:"started_at"`
	UpdatedAt   string   `json:"updated_at"`
	EventCount  int      `json:"event_count"`
}

// ProgressLogger mirrors engine events to an append-only progress.ndjson
// file and an atomically rewritten live.json snapshot.
type ProgressLogger struct {
	dir         string
	file        *os.File
	state       LiveState
	mu          sync.Mutex
	closed      bool
	WriteErrors int
}

// NewProgressLogger creates a progress logger writing into dir.
func NewProgressLogger(dir string) (*ProgressLogger, error) {
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	pl := &ProgressLogger{
		dir:  dir,
		file: f,
		state: LiveState{
			Status:    "pending",
			Completed: []string{},
			Failed:    []string{},
		},
	}

	if err := pl.writeLiveJSON(); err != nil {
		f.Close()
		return nil, err
	}

	return pl, nil
}

// HandleEvent appends the event to progress.ndjson, updates the live state,
// and rewrites live.json. The signature matches EventHandler so it can be
// wired directly into the scheduler.
func (p *ProgressLogger) HandleEvent(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)

	entry := progressEntry{
		Timestamp:  evt.Timestamp.UTC().Format(time.RFC3339),
		Type:       string(evt.Type),
		DocumentID: evt.DocumentID,
		Stage:      evt.Stage,
		Data:       evt.Data,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] marshal error: %v\n", err)
	} else {
		line = append(line, '\n')
		if _, err := p.file.Write(line); err != nil {
			p.WriteErrors++
			fmt.Fprintf(os.Stderr, "[progress] write error: %v\n", err)
		}
	}

	switch evt.Type {
	case EventPipelineStarted:
		p.state.Status = "running"
		p.state.StartedAt = evt.Timestamp.UTC().Format(time.RFC3339)
	case EventStageStarted:
		p.state.ActiveStage = evt.Stage
	case EventStageCompleted, EventStageSkipped:
		p.state.Completed = append(p.state.Completed, evt.Stage)
		p.state.ActiveStage = ""
	case EventStageFailed:
		p.state.Failed = append(p.state.Failed, evt.Stage)
		p.state.ActiveStage = ""
	case EventPipelineCompleted:
		p.state.Status = "completed"
	case EventPipelineFailed:
		p.state.Status = "failed"
	}

	p.state.EventCount++
	p.state.UpdatedAt = now

	if err := p.writeLiveJSON(); err != nil {
		fmt.Fprintf(os.Stderr, "[progress] live.json write error: %v\n", err)
	}
}

// Close closes the NDJSON file. After Close, HandleEvent becomes a no-op.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.file.Close()
}

// State returns a copy of the current live state.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := p.state
	cp.Completed = append([]string(nil), p.state.Completed...)
	cp.Failed = append([]string(nil), p.state.Failed...)
	return cp
}

// writeLiveJSON atomically writes the current state to live.json.
// Caller must hold p.mu.
func (p *ProgressLogger) writeLiveJSON() error {
	return writeJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}

// writeJSONAtomic marshals v and writes it to path via a temp file + rename
// so readers never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
