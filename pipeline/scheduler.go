// ABOUTME: Per-document stage scheduler: mode selection, prerequisite gating, and result interpretation.
// ABOUTME: Drives stages in ordinal order through the retry orchestrator and manages document status transitions.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Mode selects which stages a scheduler invocation runs.
type Mode string

const (
	// ModeRunAll executes every stage in ordinal order.
	ModeRunAll Mode = "run_all"
	// ModeRunSubset executes only explicitly named stages.
	ModeRunSubset Mode = "run_subset"
	// ModeSmart runs only stages whose completion marker is missing or stale.
	ModeSmart Mode = "smart"
)

// RunOptions configures one scheduler invocation.
type RunOptions struct {
	Mode           Mode
	Stages         []string // stage names for ModeRunSubset
	ForceReprocess bool     // clear completion markers for selected stages first
}

// RunResult is the structured result of one scheduler invocation. The
// scheduler never returns an error for stage failures; errors indicate
// caller misuse or an unreachable store.
type RunResult struct {
	RequestID      string
	DocumentID     string
	DocumentStatus string
	StageResults   map[string]StageResult
	Warnings       []string
	Duration       time.Duration
}

// Scheduler drives one document through the stage DAG. It is single-threaded
// per document; concurrency across documents is the batch controller's job.
type Scheduler struct {
	registry *StageRegistry
	orch     *Orchestrator
	docs     DocumentStore
	markers  MarkerStore
	tracker  *Tracker
	events   EventHandler

	// ContinueOnOptionalFailure controls whether a permanent failure on an
	// optional stage stops the document. Defaults to true.
	ContinueOnOptionalFailure bool
}

// NewScheduler wires a scheduler from its collaborators. events may be nil.
func NewScheduler(registry *StageRegistry, orch *Orchestrator, docs DocumentStore, markers MarkerStore, tracker *Tracker, events EventHandler) *Scheduler {
	s := &Scheduler{
		registry:                  registry,
		orch:                      orch,
		docs:                      docs,
		markers:                   markers,
		tracker:                   tracker,
		events:                    events,
		ContinueOnOptionalFailure: true,
	}
	orch.SetBackgroundFailureHandler(s.backgroundFailure)
	return s
}

// backgroundFailure applies required-stage failure semantics when a retry
// chain exhausts its budget in a background task, where no Run invocation is
// watching the result. Without it a document whose last chance failed
// off-schedule would stay running forever.
func (s *Scheduler) backgroundFailure(doc *Document, desc StageDescriptor, res StageResult) {
	if desc.Optional && s.ContinueOnOptionalFailure {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fresh, err := s.docs.GetDocument(ctx, doc.ID)
	if err != nil || fresh == nil {
		return
	}
	if fresh.Status == DocStatusFailed || !CanTransition(fresh.Status, DocStatusFailed) {
		return
	}
	if err := s.docs.UpdateDocumentStatus(ctx, doc.ID, DocStatusFailed); err != nil {
		fmt.Fprintf(os.Stderr, "warning: mark document %s failed: %v\n", doc.ID, err)
		return
	}
	s.emit(Event{Type: EventPipelineFailed, DocumentID: doc.ID,
		Data: map[string]any{"stage": desc.Name, "category": res.Category, "background": true}})
}

// Run executes the pipeline for one document according to opts.
func (s *Scheduler) Run(ctx context.Context, documentID string, opts RunOptions) (*RunResult, error) {
	started := time.Now()

	if err := s.registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stage registry: %w", err)
	}

	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s not found", documentID)
	}

	result := &RunResult{
		RequestID:    uuid.NewString(),
		DocumentID:   documentID,
		StageResults: make(map[string]StageResult),
	}

	selected, warnings, err := s.selectStages(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	result.Warnings = warnings

	if opts.ForceReprocess {
		for _, desc := range selected {
			if err := desc.Handler.CleanupOutputs(ctx, doc); err != nil {
				return nil, fmt.Errorf("force reprocess cleanup for %s: %w", desc.Name, err)
			}
			if err := s.markers.ClearMarker(ctx, doc.ID, desc.Name); err != nil {
				return nil, fmt.Errorf("force reprocess clear marker for %s: %w", desc.Name, err)
			}
		}
	}

	s.emit(Event{Type: EventPipelineStarted, DocumentID: doc.ID,
		Data: map[string]any{"request_id": result.RequestID, "mode": string(opts.Mode)}})

	for _, desc := range selected {
		if ok, reason := s.prerequisitesMet(ctx, doc, desc); !ok {
			if opts.Mode == ModeRunSubset {
				return nil, fmt.Errorf("stage %s: required prerequisite incomplete: %s", desc.Name, reason)
			}
			// A required prerequisite failed earlier in this run; the
			// failure interpretation below already recorded the outcome.
			result.Warnings = append(result.Warnings, fmt.Sprintf("stage %s not run: %s", desc.Name, reason))
			continue
		}

		// A failed document re-entering the pipeline starts a new lifecycle.
		if doc.Status == DocStatusPending || doc.Status == DocStatusFailed {
			if err := s.transition(ctx, doc, DocStatusRunning); err != nil {
				return nil, err
			}
		}

		res := s.orch.ExecuteStage(ctx, doc, desc, result.RequestID, 0)
		result.StageResults[desc.Name] = res

		switch res.Status {
		case ResultSuccess, ResultSkipped:
			// Stages mutate document rows (classification, search flags);
			// reload so downstream stages and gating see fresh state.
			if doc, err = s.docs.GetDocument(ctx, doc.ID); err != nil {
				return nil, fmt.Errorf("reload document %s: %w", documentID, err)
			}
			if doc == nil {
				return nil, fmt.Errorf("document %s disappeared mid-run", documentID)
			}

		case ResultRetrying:
			// The document is no longer advancing right now. Release it;
			// a later invocation (or the background retry) picks it up.
			result.DocumentStatus = doc.Status
			result.Duration = time.Since(started)
			return result, nil

		case ResultFailed:
			if res.Category == CategoryCancelled {
				_ = s.transition(ctx, doc, DocStatusFailed)
				s.emit(Event{Type: EventPipelineFailed, DocumentID: doc.ID,
					Data: map[string]any{"reason": "cancelled"}})
				result.DocumentStatus = DocStatusFailed
				result.Duration = time.Since(started)
				return result, nil
			}
			if desc.Optional && s.ContinueOnOptionalFailure {
				continue
			}
			if err := s.transition(ctx, doc, DocStatusFailed); err != nil {
				return nil, err
			}
			s.emit(Event{Type: EventPipelineFailed, DocumentID: doc.ID,
				Data: map[string]any{"stage": desc.Name, "category": res.Category}})
			result.DocumentStatus = DocStatusFailed
			result.Duration = time.Since(started)
			return result, nil
		}
	}

	if s.finalStageDone(result, selected) {
		if err := s.transition(ctx, doc, DocStatusCompleted); err != nil {
			return nil, err
		}
		doc.Status = DocStatusCompleted
	}

	s.emit(Event{Type: EventPipelineCompleted, DocumentID: doc.ID,
		Data: map[string]any{"request_id": result.RequestID}})
	result.DocumentStatus = doc.Status
	result.Duration = time.Since(started)
	return result, nil
}

// selectStages resolves the stage list for the given mode, ordinal-sorted.
// In run_subset mode, named stages whose prerequisites have no completion
// marker (and are not also selected) are dropped with a warning.
func (s *Scheduler) selectStages(ctx context.Context, doc *Document, opts RunOptions) ([]StageDescriptor, []string, error) {
	switch opts.Mode {
	case ModeRunAll, ModeSmart, "":
		// Smart mode selects everything; the orchestrator's marker check
		// turns hash-equal stages into reused successes without invoking
		// their handlers.
		return s.registry.Ordered(), nil, nil

	case ModeRunSubset:
		if len(opts.Stages) == 0 {
			return nil, nil, fmt.Errorf("run_subset mode requires at least one stage name")
		}
		want := make(map[string]bool, len(opts.Stages))
		for _, name := range opts.Stages {
			if _, ok := s.registry.Get(name); !ok {
				return nil, nil, fmt.Errorf("unknown stage %q", name)
			}
			want[name] = true
		}

		var selected []StageDescriptor
		var warnings []string
		for _, desc := range s.registry.Ordered() {
			if !want[desc.Name] {
				continue
			}
			if reason := s.subsetPrereqGap(ctx, doc, desc, want); reason != "" {
				warnings = append(warnings, fmt.Sprintf("stage %s skipped: %s", desc.Name, reason))
				continue
			}
			selected = append(selected, desc)
		}
		return selected, warnings, nil

	default:
		return nil, nil, fmt.Errorf("unknown scheduler mode %q", opts.Mode)
	}
}

// subsetPrereqGap reports why a subset-selected stage cannot run: a required
// prerequisite with no completion marker that is not itself selected.
func (s *Scheduler) subsetPrereqGap(ctx context.Context, doc *Document, desc StageDescriptor, selected map[string]bool) string {
	for _, pre := range desc.Prerequisites {
		if selected[pre] {
			continue
		}
		if s.prereqSatisfied(ctx, doc, pre) {
			continue
		}
		return fmt.Sprintf("prerequisite %s incomplete", pre)
	}
	return ""
}

// prerequisitesMet verifies every prerequisite of a stage before execution.
// Required prerequisites need a completion marker. Optional prerequisites
// also pass when they terminally failed or were skipped.
func (s *Scheduler) prerequisitesMet(ctx context.Context, doc *Document, desc StageDescriptor) (bool, string) {
	for _, pre := range desc.Prerequisites {
		if s.prereqSatisfied(ctx, doc, pre) {
			continue
		}
		return false, fmt.Sprintf("prerequisite %s incomplete", pre)
	}
	return true, ""
}

// prereqSatisfied reports whether one prerequisite gates open: a completion
// marker exists, or the stage is optional and reached a terminal state.
func (s *Scheduler) prereqSatisfied(ctx context.Context, doc *Document, pre string) bool {
	marker, err := s.markers.GetMarker(ctx, doc.ID, pre)
	if err == nil && marker != nil {
		return true
	}

	preDesc, ok := s.registry.Get(pre)
	if !ok || !preDesc.Optional {
		return false
	}

	status, err := s.tracker.store.GetStageStatus(ctx, doc.ID, pre)
	if err != nil || status == nil {
		return false
	}
	return status.Status == StageFailed || status.Status == StageSkip
}

// finalStageDone reports whether the registry's last stage was selected and
// finished successfully, which is what flips the document to completed.
func (s *Scheduler) finalStageDone(result *RunResult, selected []StageDescriptor) bool {
	ordered := s.registry.Ordered()
	if len(ordered) == 0 {
		return false
	}
	final := ordered[len(ordered)-1].Name

	for _, desc := range selected {
		if desc.Name != final {
			continue
		}
		res, ok := result.StageResults[desc.Name]
		return ok && (res.Status == ResultSuccess || res.Status == ResultSkipped)
	}
	return false
}

// transition moves the document's status forward, refusing regressions.
func (s *Scheduler) transition(ctx context.Context, doc *Document, to string) error {
	if !CanTransition(doc.Status, to) {
		return fmt.Errorf("document %s: illegal status transition %s -> %s", doc.ID, doc.Status, to)
	}
	if doc.Status == to {
		return nil
	}
	if err := s.docs.UpdateDocumentStatus(ctx, doc.ID, to); err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	doc.Status = to
	return nil
}

func (s *Scheduler) emit(evt Event) {
	if s.events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	s.events(evt)
}
