// ABOUTME: Retry orchestrator wrapping one stage execution with idempotency, locking, and hybrid retry.
// ABOUTME: First transient failure retries synchronously; later attempts respawn as background tasks.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// StageResultStatus is the orchestrator-level outcome of one stage execution.
type StageResultStatus string

const (
	ResultSuccess  StageResultStatus = "success"
	ResultSkipped  StageResultStatus = "skipped"
	ResultRetrying StageResultStatus = "retrying"
	ResultFailed   StageResultStatus = "failed"
)

// StageResult is what the orchestrator returns to the scheduler.
type StageResult struct {
	Stage    string
	Status   StageResultStatus
	Reused   bool // true when a hash-equal completion marker short-circuited execution
	Category string
	Err      error
	Metadata map[string]string
	Duration time.Duration
}

// CorrelationID builds the correlation id recorded on every error row of a
// retry chain: {request_id}.stage_{stage}.retry_{attempt}.
func CorrelationID(requestID, stage string, attempt int) string {
	return fmt.Sprintf("%s.stage_%s.retry_%d", requestID, stage, attempt)
}

// Orchestrator wraps single stage executions with error classification,
// idempotency checks, advisory locking, synchronous fast retry, and
// background retry scheduling.
type Orchestrator struct {
	policies *PolicyRegistry
	markers  MarkerStore
	locks    LockManager
	tracker  *Tracker
	errlog   *ErrorLogger
	events   EventHandler

	// sleep and spawn are swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
	spawn func(f func())

	// onBackgroundFailure is invoked when a spawned retry chain ends in
	// terminal failure, where no scheduler invocation is watching the result.
	onBackgroundFailure func(doc *Document, desc StageDescriptor, res StageResult)
}

// NewOrchestrator wires an orchestrator from its collaborators. events may be nil.
func NewOrchestrator(policies *PolicyRegistry, markers MarkerStore, locks LockManager, tracker *Tracker, errlog *ErrorLogger, events EventHandler) *Orchestrator {
	return &Orchestrator{
		policies: policies,
		markers:  markers,
		locks:    locks,
		tracker:  tracker,
		errlog:   errlog,
		events:   events,
		sleep:    sleepWithContext,
		spawn:    func(f func()) { go f() },
	}
}

// SetSleepFunc replaces the delay function. Tests use this to avoid real sleeps.
func (o *Orchestrator) SetSleepFunc(f func(ctx context.Context, d time.Duration)) {
	o.sleep = f
}

// SetSpawnFunc replaces the background task spawner. Tests use this to run
// retries inline or capture them.
func (o *Orchestrator) SetSpawnFunc(f func(f func())) {
	o.spawn = f
}

// SetBackgroundFailureHandler registers the callback for terminal failures of
// background retry chains. The scheduler uses it to apply document-level
// failure semantics when a required stage exhausts its budget off-schedule.
func (o *Orchestrator) SetBackgroundFailureHandler(f func(doc *Document, desc StageDescriptor, res StageResult)) {
	o.onBackgroundFailure = f
}

// ExecuteStage runs one stage of one document starting at the given attempt
// number. The request id is stable across all stages of a document
// invocation and across the background retries it spawns.
func (o *Orchestrator) ExecuteStage(ctx context.Context, doc *Document, desc StageDescriptor, requestID string, attempt int) StageResult {
	started := time.Now()
	policy := o.policies.GetPolicy(ctx, desc.Service, desc.Name)

	for {
		if ctx.Err() != nil {
			return o.cancelResult(ctx, doc, desc, started)
		}

		hash, err := desc.Handler.InputHash(ctx, doc)
		if err != nil {
			return o.terminalFailure(ctx, doc, desc, policy, requestID, attempt, started,
				fmt.Errorf("input hash: %w", err), "")
		}

		// Cheap pre-lock check: a hash-equal marker means the previous
		// outputs are valid and the stage is skipped entirely.
		if res, done := o.checkMarker(ctx, doc, desc, hash, started); done {
			return res
		}

		token, ok, err := o.locks.TryAcquire(ctx, LockName(doc.ID, desc.Name))
		if err != nil || !ok {
			// Another worker is handling this stage. Not an error: no
			// PipelineError row, no handler invocation.
			o.emit(Event{Type: EventStageRetrying, DocumentID: doc.ID, Stage: desc.Name,
				Data: map[string]any{"reason": "lock held by another worker"}})
			return StageResult{Stage: desc.Name, Status: ResultRetrying, Category: CategoryCoordination, Duration: time.Since(started)}
		}

		// Re-check under the lock: the other worker may have completed the
		// stage between our marker read and the acquisition.
		if res, done := o.checkMarker(ctx, doc, desc, hash, started); done {
			o.releaseLock(token)
			return res
		}

		// Inputs changed since the last success: remove the stale outputs
		// before re-running.
		if marker, mErr := o.markers.GetMarker(ctx, doc.ID, desc.Name); mErr == nil && marker != nil && marker.DataHash != hash {
			if cErr := desc.Handler.CleanupOutputs(ctx, doc); cErr != nil {
				o.releaseLock(token)
				return o.terminalFailure(ctx, doc, desc, policy, requestID, attempt, started,
					fmt.Errorf("cleanup stale outputs: %w", cErr), "")
			}
			if cErr := o.markers.ClearMarker(ctx, doc.ID, desc.Name); cErr != nil {
				o.releaseLock(token)
				return o.terminalFailure(ctx, doc, desc, policy, requestID, attempt, started,
					fmt.Errorf("clear stale marker: %w", cErr), "")
			}
		}

		if err := o.tracker.Start(ctx, doc.ID, desc.Name); err != nil {
			o.releaseLock(token)
			return o.terminalFailure(ctx, doc, desc, policy, requestID, attempt, started,
				fmt.Errorf("start stage tracking: %w", err), "")
		}
		o.emit(Event{Type: EventStageStarted, DocumentID: doc.ID, Stage: desc.Name,
			Data: map[string]any{"attempt": attempt}})

		outcome, stack := o.runHandler(ctx, doc, desc)

		switch outcome.Status {
		case OutcomeSuccess:
			if err := o.markers.SetMarker(ctx, &CompletionMarker{
				DocumentID:  doc.ID,
				Stage:       desc.Name,
				CompletedAt: time.Now().UTC(),
				DataHash:    hash,
				Metadata:    outcome.Metadata,
			}); err != nil {
				o.releaseLock(token)
				return o.terminalFailure(ctx, doc, desc, policy, requestID, attempt, started,
					fmt.Errorf("set completion marker: %w", err), "")
			}
			if err := o.tracker.Complete(ctx, doc.ID, desc.Name, outcome.Metadata); err != nil {
				o.releaseLock(token)
				return o.terminalFailure(ctx, doc, desc, policy, requestID, attempt, started,
					fmt.Errorf("complete stage tracking: %w", err), "")
			}
			o.errlog.ResolveChain(ctx, requestID, desc.Name)
			o.releaseLock(token)
			o.emit(Event{Type: EventStageCompleted, DocumentID: doc.ID, Stage: desc.Name})
			return StageResult{Stage: desc.Name, Status: ResultSuccess, Metadata: outcome.Metadata, Duration: time.Since(started)}

		case OutcomeSkipped:
			_ = o.tracker.Skip(ctx, doc.ID, desc.Name, outcome.Reason)
			o.releaseLock(token)
			o.emit(Event{Type: EventStageSkipped, DocumentID: doc.ID, Stage: desc.Name,
				Data: map[string]any{"reason": outcome.Reason}})
			return StageResult{Stage: desc.Name, Status: ResultSkipped, Duration: time.Since(started)}
		}

		// Failure path. Classify, record, release, then decide between
		// terminal failure, synchronous fast retry, and background retry.
		cls := classifyOutcome(outcome)
		o.releaseLock(token)

		if cls.Category == CategoryCancelled {
			return o.cancelResult(ctx, doc, desc, started)
		}

		errID := o.errlog.Log(ctx, &PipelineError{
			DocumentID:    doc.ID,
			Stage:         desc.Name,
			ErrorType:     fmt.Sprintf("%T", outcome.Err),
			Category:      cls.Category,
			Message:       outcome.Err.Error(),
			Stack:         stack,
			RetryAttempt:  attempt,
			MaxRetries:    policy.MaxRetries,
			Status:        ErrorStatusPending,
			CorrelationID: CorrelationID(requestID, desc.Name, attempt),
		})

		if !cls.Transient || attempt >= policy.MaxRetries {
			// Close the whole chain: the final row plus every earlier row
			// still marked retrying, so no phantom scheduled retries linger.
			o.errlog.UpdateStatus(ctx, errID, ErrorStatusFailed)
			o.errlog.FailChain(ctx, requestID, desc.Name)
			_ = o.tracker.Fail(ctx, doc.ID, desc.Name, outcome.Err.Error())
			o.emit(Event{Type: EventStageFailed, DocumentID: doc.ID, Stage: desc.Name,
				Data: map[string]any{"reason": outcome.Err.Error(), "category": cls.Category}})
			return StageResult{Stage: desc.Name, Status: ResultFailed, Category: cls.Category, Err: outcome.Err, Duration: time.Since(started)}
		}

		if attempt == 0 {
			// Fast recovery: one synchronous retry after the base delay.
			o.errlog.UpdateStatus(ctx, errID, ErrorStatusRetrying)
			o.emit(Event{Type: EventStageRetrying, DocumentID: doc.ID, Stage: desc.Name,
				Data: map[string]any{"attempt": 1, "sync": true}})
			o.sleep(ctx, policy.BaseDelay)
			attempt = 1
			continue
		}

		// Later attempts back off in the background so the scheduler can
		// release the document. The spawned task re-enters this method with
		// the same request id, continuing the correlation chain.
		delay := policy.Delay(attempt)
		o.errlog.MarkRetrying(ctx, errID, time.Now().UTC().Add(delay))
		o.emit(Event{Type: EventStageRetrying, DocumentID: doc.ID, Stage: desc.Name,
			Data: map[string]any{"attempt": attempt + 1, "delay": delay.String()}})

		next := attempt + 1
		o.spawn(func() {
			bg := context.Background()
			o.sleep(bg, delay)
			res := o.ExecuteStage(bg, doc, desc, requestID, next)
			// A terminal failure here has no scheduler watching it; hand it
			// to the registered handler so the document does not stay
			// running forever.
			if res.Status == ResultFailed && o.onBackgroundFailure != nil {
				o.onBackgroundFailure(doc, desc, res)
			}
		})
		return StageResult{Stage: desc.Name, Status: ResultRetrying, Category: cls.Category, Err: outcome.Err, Duration: time.Since(started)}
	}
}

// checkMarker returns a reused-success result when a hash-equal completion
// marker exists. done=false means execution should proceed.
func (o *Orchestrator) checkMarker(ctx context.Context, doc *Document, desc StageDescriptor, hash string, started time.Time) (StageResult, bool) {
	marker, err := o.markers.GetMarker(ctx, doc.ID, desc.Name)
	if err != nil || marker == nil {
		return StageResult{}, false
	}
	if marker.DataHash != hash {
		return StageResult{}, false
	}
	o.emit(Event{Type: EventStageSkipped, DocumentID: doc.ID, Stage: desc.Name,
		Data: map[string]any{"reason": "completion marker matches input hash"}})
	return StageResult{Stage: desc.Name, Status: ResultSuccess, Reused: true, Metadata: marker.Metadata, Duration: time.Since(started)}, true
}

// runHandler calls Prepare then Execute with panic recovery, wiring the
// tracker as the progress sink. A panic becomes a permanent failure carrying
// the stack text.
func (o *Orchestrator) runHandler(ctx context.Context, doc *Document, desc StageDescriptor) (outcome Outcome, stack string) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			outcome = PermanentFailure(fmt.Errorf("handler panic in stage %q: %v", desc.Name, r))
		}
	}()

	in, err := desc.Handler.Prepare(ctx, doc)
	if err != nil {
		err = fmt.Errorf("prepare: %w", err)
		if Classify(err).Transient {
			return Outcome{Status: OutcomeTransient, Err: err}, ""
		}
		return Outcome{Status: OutcomePermanent, Err: err}, ""
	}

	sink := func(p float64) {
		_ = o.tracker.UpdateProgress(ctx, doc.ID, desc.Name, p)
	}

	return desc.Handler.Execute(ctx, doc, in, sink), ""
}

// cancelResult handles cooperative cancellation: failed stage status with a
// cancelled message, no error row, no further retries.
func (o *Orchestrator) cancelResult(ctx context.Context, doc *Document, desc StageDescriptor, started time.Time) StageResult {
	// Persist with a fresh context; the caller's is already dead.
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.tracker.Fail(bg, doc.ID, desc.Name, "cancelled")
	o.emit(Event{Type: EventStageFailed, DocumentID: doc.ID, Stage: desc.Name,
		Data: map[string]any{"reason": "cancelled"}})
	return StageResult{Stage: desc.Name, Status: ResultFailed, Category: CategoryCancelled, Err: ctx.Err(), Duration: time.Since(started)}
}

// terminalFailure records an orchestration-level failure (hash, marker, or
// tracking errors) as a permanently failed stage.
func (o *Orchestrator) terminalFailure(ctx context.Context, doc *Document, desc StageDescriptor, policy RetryPolicy, requestID string, attempt int, started time.Time, err error, stack string) StageResult {
	cls := Classify(err)
	o.errlog.Log(ctx, &PipelineError{
		DocumentID:    doc.ID,
		Stage:         desc.Name,
		ErrorType:     fmt.Sprintf("%T", err),
		Category:      cls.Category,
		Message:       err.Error(),
		Stack:         stack,
		RetryAttempt:  attempt,
		MaxRetries:    policy.MaxRetries,
		Status:        ErrorStatusFailed,
		CorrelationID: CorrelationID(requestID, desc.Name, attempt),
	})
	o.errlog.FailChain(ctx, requestID, desc.Name)
	_ = o.tracker.Fail(ctx, doc.ID, desc.Name, err.Error())
	o.emit(Event{Type: EventStageFailed, DocumentID: doc.ID, Stage: desc.Name,
		Data: map[string]any{"reason": err.Error(), "category": cls.Category}})
	return StageResult{Stage: desc.Name, Status: ResultFailed, Category: cls.Category, Err: err, Duration: time.Since(started)}
}

// classifyOutcome merges the handler's declared failure kind with the error
// classifier. A recognized permanent error (validation, auth, other 4xx)
// wins over a handler-declared transient failure; the transient declaration
// upgrades only errors the classifier does not recognize. Permanent
// declarations are always final.
func classifyOutcome(outcome Outcome) Classification {
	cls := Classify(outcome.Err)
	if cls.Category == CategoryCancelled {
		return cls
	}
	switch outcome.Status {
	case OutcomeTransient:
		if !cls.Transient && cls.Category == CategoryHandlerBug {
			cls = Classification{Transient: true, Category: CategoryTransient}
		}
	case OutcomePermanent:
		if cls.Transient {
			cls = Classification{Transient: false, Category: CategoryPermanent}
		}
	}
	return cls
}

// releaseLock frees an advisory lock with a short independent timeout so
// release happens even when the caller's context is cancelled.
func (o *Orchestrator) releaseLock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.locks.Release(ctx, token); err != nil {
		fmt.Fprintf(os.Stderr, "warning: release advisory lock: %v\n", err)
	}
}

func (o *Orchestrator) emit(evt Event) {
	if o.events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	o.events(evt)
}

// sleepWithContext sleeps for d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
