// ABOUTME: Tests for the NDJSON progress logger, live.json snapshot, and the stall watchdog.
package pipeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProgressLoggerWritesNDJSONAndLiveState(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir)
	if err != nil {
		t.Fatalf("NewProgressLogger: %v", err)
	}
	defer pl.Close()

	now := time.Now()
	pl.HandleEvent(Event{Type: EventPipelineStarted, DocumentID: "d1", Timestamp: now})
	pl.HandleEvent(Event{Type: EventStageStarted, DocumentID: "d1", Stage: "upload", Timestamp: now})
	pl.HandleEvent(Event{Type: EventStageCompleted, DocumentID: "d1", Stage: "upload", Timestamp: now})
	pl.HandleEvent(Event{Type: EventStageFailed, DocumentID: "d1", Stage: "embedding", Timestamp: now})
	pl.HandleEvent(Event{Type: EventPipelineFailed, DocumentID: "d1", Timestamp: now})

	f, err := os.Open(filepath.Join(dir, "progress.ndjson"))
	if err != nil {
		t.Fatalf("open ndjson: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
	}
	if lines != 5 {
		t.Errorf("ndjson lines = %d, want 5", lines)
	}

	state := pl.State()
	if state.Status != "failed" {
		t.Errorf("Status = %q, want failed", state.Status)
	}
	if len(state.Completed) != 1 || state.Completed[0] != "upload" {
		t.Errorf("Completed = %v", state.Completed)
	}
	if len(state.Failed) != 1 || state.Failed[0] != "embedding" {
		t.Errorf("Failed = %v", state.Failed)
	}
	if state.EventCount != 5 {
		t.Errorf("EventCount = %d, want 5", state.EventCount)
	}

	// live.json mirrors the in-memory state.
	data, err := os.ReadFile(filepath.Join(dir, "live.json"))
	if err != nil {
		t.Fatalf("read live.json: %v", err)
	}
	var live LiveState
	if err := json.Unmarshal(data, &live); err != nil {
		t.Fatalf("decode live.json: %v", err)
	}
	if live.Status != "failed" || live.EventCount != 5 {
		t.Errorf("live.json = %+v", live)
	}
}

func TestProgressLoggerClosedIsNoOp(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir)
	if err != nil {
		t.Fatalf("NewProgressLogger: %v", err)
	}
	pl.Close()

	pl.HandleEvent(Event{Type: EventPipelineStarted, Timestamp: time.Now()})
	if pl.State().EventCount != 0 {
		t.Error("event counted after Close")
	}
}

func TestWatchdogEmitsStallOnce(t *testing.T) {
	var stalls []Event
	w := NewWatchdog(WatchdogConfig{StallTimeout: time.Millisecond, CheckInterval: time.Hour}, func(evt Event) {
		if evt.Type == EventStageStalled {
			stalls = append(stalls, evt)
		}
	})

	w.HandleEvent(Event{Type: EventStageStarted, DocumentID: "d1", Stage: "embedding"})
	time.Sleep(5 * time.Millisecond)

	w.check()
	w.check() // warned pairs are not re-warned

	if len(stalls) != 1 {
		t.Fatalf("stall events = %d, want 1", len(stalls))
	}
	if stalls[0].DocumentID != "d1" || stalls[0].Stage != "embedding" {
		t.Errorf("stall event = %+v", stalls[0])
	}
}

func TestWatchdogTouchDefersStall(t *testing.T) {
	var stalls int
	w := NewWatchdog(WatchdogConfig{StallTimeout: 50 * time.Millisecond, CheckInterval: time.Hour}, func(evt Event) {
		if evt.Type == EventStageStalled {
			stalls++
		}
	})

	w.HandleEvent(Event{Type: EventStageStarted, DocumentID: "d1", Stage: "chunking"})
	w.Touch("d1", "chunking")
	w.check()

	if stalls != 0 {
		t.Errorf("stall emitted despite fresh activity")
	}
}

func TestWatchdogTerminalEventStopsTracking(t *testing.T) {
	var stalls int
	w := NewWatchdog(WatchdogConfig{StallTimeout: time.Millisecond, CheckInterval: time.Hour}, func(evt Event) {
		if evt.Type == EventStageStalled {
			stalls++
		}
	})

	w.HandleEvent(Event{Type: EventStageStarted, DocumentID: "d1", Stage: "chunking"})
	w.HandleEvent(Event{Type: EventStageCompleted, DocumentID: "d1", Stage: "chunking"})
	time.Sleep(5 * time.Millisecond)
	w.check()

	if stalls != 0 {
		t.Errorf("stall emitted for a completed stage")
	}
}
