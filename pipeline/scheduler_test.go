// ABOUTME: Tests for the per-document scheduler: modes, prerequisite gating, and document status transitions.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type schedFixture struct {
	*orchFixture
	registry *StageRegistry
	docs     *memDocs
	sched    *Scheduler
	alpha    *stubHandler
	beta     *stubHandler
	gamma    *stubHandler
}

// newSchedFixture builds a three-stage pipeline: alpha -> beta (optional) and
// alpha -> gamma, with gamma as the final stage.
func newSchedFixture(t *testing.T, doc *Document) *schedFixture {
	t.Helper()
	f := &schedFixture{
		orchFixture: newOrchFixture(t, noJitterPolicy(3)),
		docs:        newMemDocs(doc),
		alpha:       &stubHandler{hash: "hash-alpha"},
		beta:        &stubHandler{hash: "hash-beta"},
		gamma:       &stubHandler{hash: "hash-gamma"},
	}
	f.registry = NewStageRegistry()
	f.registry.Register(StageDescriptor{Name: "alpha", Ordinal: 1, Service: "svc", Handler: f.alpha})
	f.registry.Register(StageDescriptor{Name: "beta", Ordinal: 2, Prerequisites: []string{"alpha"}, Optional: true, Service: "svc", Handler: f.beta})
	f.registry.Register(StageDescriptor{Name: "gamma", Ordinal: 3, Prerequisites: []string{"alpha"}, Service: "svc", Handler: f.gamma})
	f.sched = NewScheduler(f.registry, f.orch, f.docs, f.markers, f.tracker, nil)
	return f
}

func pendingDoc() *Document {
	return &Document{ID: "doc1", Filename: "manual.pdf", ContentHash: "cafe", Status: DocStatusPending}
}

func TestSchedulerRunAllHappyPath(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.DocumentStatus != DocStatusCompleted {
		t.Errorf("DocumentStatus = %q, want completed", res.DocumentStatus)
	}
	if len(res.StageResults) != 3 {
		t.Errorf("StageResults has %d entries, want 3", len(res.StageResults))
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if got := res.StageResults[name].Status; got != ResultSuccess {
			t.Errorf("stage %s = %s, want success", name, got)
		}
	}
	if res.RequestID == "" {
		t.Error("no request id assigned")
	}

	stored, _ := f.docs.GetDocument(context.Background(), "doc1")
	if stored.Status != DocStatusCompleted {
		t.Errorf("stored document status = %q, want completed", stored.Status)
	}
}

func TestSchedulerOptionalFailureContinues(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())
	f.beta.outcomes = []Outcome{PermanentFailure(errors.New("ocr unavailable"))}

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.StageResults["beta"].Status != ResultFailed {
		t.Errorf("beta = %s, want failed", res.StageResults["beta"].Status)
	}
	if res.StageResults["gamma"].Status != ResultSuccess {
		t.Errorf("gamma = %s, want success after optional failure", res.StageResults["gamma"].Status)
	}
	if res.DocumentStatus != DocStatusCompleted {
		t.Errorf("DocumentStatus = %q, want completed", res.DocumentStatus)
	}
}

func TestSchedulerOptionalFailureStopsWhenConfigured(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())
	f.sched.ContinueOnOptionalFailure = false
	f.beta.outcomes = []Outcome{PermanentFailure(errors.New("ocr unavailable"))}

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.DocumentStatus != DocStatusFailed {
		t.Errorf("DocumentStatus = %q, want failed", res.DocumentStatus)
	}
	if f.gamma.execCount() != 0 {
		t.Error("gamma ran after the document failed")
	}
}

func TestSchedulerRequiredFailureStopsDocument(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())
	f.alpha.outcomes = []Outcome{PermanentFailure(&ValidationError{Message: "corrupt file"})}

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.DocumentStatus != DocStatusFailed {
		t.Errorf("DocumentStatus = %q, want failed", res.DocumentStatus)
	}
	if _, ran := res.StageResults["gamma"]; ran {
		t.Error("gamma has a result despite alpha failing")
	}
	if f.gamma.execCount() != 0 {
		t.Error("gamma executed despite alpha failing")
	}
}

func TestSchedulerOptionalFailedPrerequisiteGatesOpen(t *testing.T) {
	// beta is optional and fails; a stage requiring beta should still run
	// because optional prerequisites pass on terminal failure.
	f := newSchedFixture(t, pendingDoc())
	delta := &stubHandler{hash: "hash-delta"}
	f.registry.Register(StageDescriptor{Name: "delta", Ordinal: 4, Prerequisites: []string{"beta"}, Service: "svc", Handler: delta})
	f.beta.outcomes = []Outcome{PermanentFailure(errors.New("ocr unavailable"))}

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.StageResults["delta"].Status != ResultSuccess {
		t.Errorf("delta = %s, want success behind a failed optional prerequisite", res.StageResults["delta"].Status)
	}
}

func TestSchedulerSmartModeReusesMarkers(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())

	ctx := context.Background()
	if _, err := f.sched.Run(ctx, "doc1", RunOptions{Mode: ModeSmart}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	execsAfterFirst := f.alpha.execCount() + f.beta.execCount() + f.gamma.execCount()

	res, err := f.sched.Run(ctx, "doc1", RunOptions{Mode: ModeSmart})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if got := f.alpha.execCount() + f.beta.execCount() + f.gamma.execCount(); got != execsAfterFirst {
		t.Errorf("second run executed %d handlers, want 0", got-execsAfterFirst)
	}
	for name, sr := range res.StageResults {
		if !sr.Reused || sr.Status != ResultSuccess {
			t.Errorf("stage %s = %s/reused=%v, want reused success", name, sr.Status, sr.Reused)
		}
	}
}

func TestSchedulerForceReprocessClearsMarkers(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())

	ctx := context.Background()
	if _, err := f.sched.Run(ctx, "doc1", RunOptions{Mode: ModeRunAll}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if f.alpha.execCount() != 1 {
		t.Fatalf("alpha executed %d times on first run", f.alpha.execCount())
	}

	if _, err := f.sched.Run(ctx, "doc1", RunOptions{Mode: ModeRunAll, ForceReprocess: true}); err != nil {
		t.Fatalf("forced run: %v", err)
	}

	if f.alpha.execCount() != 2 {
		t.Errorf("alpha executed %d times total, want 2 after force", f.alpha.execCount())
	}
	if f.alpha.cleanups == 0 {
		t.Error("force reprocess never called CleanupOutputs")
	}
}

func TestSchedulerSubsetUnknownStage(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())

	_, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunSubset, Stages: []string{"nope"}})
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("err = %v, want unknown stage error", err)
	}
}

func TestSchedulerSubsetRequiresStages(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())

	_, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunSubset})
	if err == nil {
		t.Fatal("empty subset accepted")
	}
}

func TestSchedulerSubsetPrereqGapWarnsAndSkips(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())

	// gamma requires alpha, which has no marker and is not selected.
	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunSubset, Stages: []string{"gamma"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Warnings) == 0 {
		t.Error("no warning for the unsatisfied prerequisite")
	}
	if f.gamma.execCount() != 0 {
		t.Error("gamma executed despite missing prerequisite")
	}
}

func TestSchedulerSubsetWithSatisfiedPrereq(t *testing.T) {
	doc := pendingDoc()
	f := newSchedFixture(t, doc)

	f.markers.SetMarker(context.Background(), &CompletionMarker{
		DocumentID: "doc1", Stage: "alpha", DataHash: "hash-alpha", CompletedAt: time.Now(),
	})

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunSubset, Stages: []string{"gamma"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.StageResults["gamma"].Status != ResultSuccess {
		t.Errorf("gamma = %s, want success", res.StageResults["gamma"].Status)
	}
	// gamma is the final stage, so its success completes the document.
	if res.DocumentStatus != DocStatusCompleted {
		t.Errorf("DocumentStatus = %q, want completed", res.DocumentStatus)
	}
}

func TestSchedulerRetryingReleasesDocument(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())
	f.locks.holdManually(LockName("doc1", "alpha"))

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.StageResults["alpha"].Status != ResultRetrying {
		t.Fatalf("alpha = %s, want retrying", res.StageResults["alpha"].Status)
	}
	if _, ran := res.StageResults["gamma"]; ran {
		t.Error("scheduler continued past a retrying stage")
	}
	// Document stays running for a later invocation to resume.
	stored, _ := f.docs.GetDocument(context.Background(), "doc1")
	if stored.Status != DocStatusRunning {
		t.Errorf("stored status = %q, want running", stored.Status)
	}
}

func TestSchedulerFailedDocumentReprocesses(t *testing.T) {
	// A document that failed in an earlier invocation re-enters the pipeline
	// and completes when its stages now succeed.
	doc := pendingDoc()
	doc.Status = DocStatusFailed
	f := newSchedFixture(t, doc)

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run on failed document: %v", err)
	}

	if res.DocumentStatus != DocStatusCompleted {
		t.Errorf("DocumentStatus = %q, want completed", res.DocumentStatus)
	}
	stored, _ := f.docs.GetDocument(context.Background(), "doc1")
	if stored.Status != DocStatusCompleted {
		t.Errorf("stored status = %q, want completed", stored.Status)
	}
}

func TestSchedulerBackgroundExhaustionFailsDocument(t *testing.T) {
	// alpha is required and never recovers. The foreground call hands off to
	// a background chain (run inline here); when that chain exhausts its
	// budget the document must end up failed, not stuck running.
	f := newSchedFixture(t, pendingDoc())
	f.alpha.outcomes = []Outcome{
		TransientFailure(&HTTPError{StatusCode: 503, Message: "down"}),
	}

	res, err := f.sched.Run(context.Background(), "doc1", RunOptions{Mode: ModeRunAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.StageResults["alpha"].Status != ResultRetrying {
		t.Fatalf("alpha foreground result = %s, want retrying", res.StageResults["alpha"].Status)
	}
	if f.gamma.execCount() != 0 {
		t.Error("gamma ran behind a failing required stage")
	}
	stored, _ := f.docs.GetDocument(context.Background(), "doc1")
	if stored.Status != DocStatusFailed {
		t.Errorf("stored status = %q, want failed after background exhaustion", stored.Status)
	}
}

// absentDocs models the real store's (nil, nil) return for an unknown id.
type absentDocs struct{}

func (absentDocs) GetDocument(ctx context.Context, id string) (*Document, error) { return nil, nil }
func (absentDocs) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	return nil
}

func TestSchedulerUnknownDocument(t *testing.T) {
	f := newSchedFixture(t, pendingDoc())
	sched := NewScheduler(f.registry, f.orch, absentDocs{}, f.markers, f.tracker, nil)

	_, err := sched.Run(context.Background(), "no-such-doc", RunOptions{Mode: ModeRunAll})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not-found error", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{DocStatusPending, DocStatusRunning, true},
		{DocStatusRunning, DocStatusCompleted, true},
		{DocStatusRunning, DocStatusFailed, true},
		{DocStatusRunning, DocStatusPending, false},
		{DocStatusCompleted, DocStatusRunning, false},
		{DocStatusFailed, DocStatusRunning, true},
		{DocStatusFailed, DocStatusCompleted, false},
		{DocStatusFailed, DocStatusFailed, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
