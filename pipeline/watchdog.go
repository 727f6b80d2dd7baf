// ABOUTME: Background watchdog that detects stalled stages via last-activity timestamps.
// ABOUTME: Emits stage.stalled warning events; purely observational, never cancels work.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// WatchdogConfig holds configuration for the stall-detection watchdog.
type WatchdogConfig struct {
	StallTimeout  time.Duration
	CheckInterval time.Duration
}

// DefaultWatchdogConfig returns a 5 minute stall timeout with a 10 second
// check interval.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  5 * time.Minute,
		CheckInterval: 10 * time.Second,
	}
}

// Watchdog monitors active (document, stage) pairs and emits EventStageStalled
// when no progress arrives within StallTimeout. Each pair is warned at most
// once until it finishes and starts again.
type Watchdog struct {
	config WatchdogConfig
	events EventHandler

	mu     sync.Mutex
	active map[string]watchEntry
	warned map[string]bool
}

type watchEntry struct {
	documentID   string
	stage        string
	lastActivity time.Time
}

// NewWatchdog creates a watchdog with the given config and event handler.
func NewWatchdog(cfg WatchdogConfig, events EventHandler) *Watchdog {
	return &Watchdog{
		config: cfg,
		events: events,
		active: make(map[string]watchEntry),
		warned: make(map[string]bool),
	}
}

// Start launches the monitoring goroutine. It stops when ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// HandleEvent routes engine events into activity tracking so the watchdog
// can be composed into an event handler chain.
func (w *Watchdog) HandleEvent(evt Event) {
	key := evt.DocumentID + "/" + evt.Stage

	w.mu.Lock()
	defer w.mu.Unlock()

	switch evt.Type {
	case EventStageStarted:
		w.active[key] = watchEntry{documentID: evt.DocumentID, stage: evt.Stage, lastActivity: time.Now()}
		delete(w.warned, key)
	case EventStageCompleted, EventStageFailed, EventStageSkipped, EventStageRetrying:
		delete(w.active, key)
		delete(w.warned, key)
	}
}

// Touch refreshes the activity timestamp for a running stage. The tracker's
// progress sink calls this on every update.
func (w *Watchdog) Touch(documentID, stage string) {
	key := documentID + "/" + stage
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.active[key]; ok {
		entry.lastActivity = time.Now()
		w.active[key] = entry
	}
}

// check emits stall warnings outside the lock to avoid deadlocks when the
// event handler takes its own locks.
func (w *Watchdog) check() {
	w.mu.Lock()
	var toEmit []Event
	now := time.Now()
	for key, entry := range w.active {
		if w.warned[key] {
			continue
		}
		elapsed := now.Sub(entry.lastActivity)
		if elapsed > w.config.StallTimeout {
			w.warned[key] = true
			toEmit = append(toEmit, Event{
				Type:       EventStageStalled,
				DocumentID: entry.documentID,
				Stage:      entry.stage,
				Timestamp:  now,
				Data: map[string]any{
					"elapsed":       elapsed.String(),
					"stall_timeout": w.config.StallTimeout.String(),
				},
			})
		}
	}
	w.mu.Unlock()

	for _, evt := range toEmit {
		if w.events != nil {
			w.events(evt)
		}
	}
}
