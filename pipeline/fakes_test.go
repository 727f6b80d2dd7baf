// ABOUTME: In-memory fakes for the persistence interfaces, shared by the package's tests.
// ABOUTME: All fakes are mutex-guarded so concurrency tests can hammer them.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memDocs struct {
	mu   sync.Mutex
	docs map[string]*Document
}

func newMemDocs(docs ...*Document) *memDocs {
	m := &memDocs{docs: make(map[string]*Document)}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *memDocs) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	d.Status = status
	return nil
}

type memMarkers struct {
	mu      sync.Mutex
	markers map[string]*CompletionMarker
}

func newMemMarkers() *memMarkers {
	return &memMarkers{markers: make(map[string]*CompletionMarker)}
}

func markerKey(documentID, stage string) string {
	return documentID + "/" + stage
}

func (m *memMarkers) GetMarker(ctx context.Context, documentID, stage string) (*CompletionMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[markerKey(documentID, stage)]
	if !ok {
		return nil, nil
	}
	cp := *marker
	return &cp, nil
}

func (m *memMarkers) SetMarker(ctx context.Context, marker *CompletionMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *marker
	m.markers[markerKey(marker.DocumentID, marker.Stage)] = &cp
	return nil
}

func (m *memMarkers) ClearMarker(ctx context.Context, documentID, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, markerKey(documentID, stage))
	return nil
}

type memStatus struct {
	mu       sync.Mutex
	statuses map[string]*StageStatus
	upserts  int
}

func newMemStatus() *memStatus {
	return &memStatus{statuses: make(map[string]*StageStatus)}
}

func (m *memStatus) UpsertStageStatus(ctx context.Context, s *StageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.statuses[markerKey(s.DocumentID, s.Stage)] = &cp
	m.upserts++
	return nil
}

func (m *memStatus) GetStageStatus(ctx context.Context, documentID, stage string) (*StageStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[markerKey(documentID, stage)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStatus) ListStageStatus(ctx context.Context, documentID string) ([]*StageStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StageStatus
	for _, s := range m.statuses {
		if s.DocumentID == documentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStatus) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

type memLocks struct {
	mu     sync.Mutex
	held   map[string]string // name -> token
	tokens map[string]string // token -> name
	next   int
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]string), tokens: make(map[string]string)}
}

func (m *memLocks) TryAcquire(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[name]; taken {
		return "", false, nil
	}
	m.next++
	token := fmt.Sprintf("token-%d", m.next)
	m.held[name] = token
	m.tokens[token] = name
	return token, true, nil
}

func (m *memLocks) Release(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.tokens[token]; ok {
		delete(m.held, name)
		delete(m.tokens, token)
	}
	return nil
}

func (m *memLocks) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = make(map[string]string)
	m.tokens = make(map[string]string)
	return nil
}

func (m *memLocks) holdManually(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = "external"
}

type memErrors struct {
	mu   sync.Mutex
	rows map[string]*PipelineError
}

func newMemErrors() *memErrors {
	return &memErrors{rows: make(map[string]*PipelineError)}
}

func (m *memErrors) InsertPipelineError(ctx context.Context, e *PipelineError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.rows[e.ID] = &cp
	return nil
}

func (m *memErrors) UpdatePipelineErrorStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.Status = status
	}
	return nil
}

func (m *memErrors) MarkPipelineErrorRetrying(ctx context.Context, id string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.Status = ErrorStatusRetrying
		t := nextRetryAt
		row.NextRetryAt = &t
	}
	return nil
}

func (m *memErrors) ResolvePipelineErrors(ctx context.Context, requestID, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("%s.stage_%s.retry_", requestID, stage)
	for _, row := range m.rows {
		if len(row.CorrelationID) >= len(prefix) && row.CorrelationID[:len(prefix)] == prefix &&
			(row.Status == ErrorStatusPending || row.Status == ErrorStatusRetrying) {
			row.Status = ErrorStatusResolved
		}
	}
	return nil
}

func (m *memErrors) FailPipelineErrors(ctx context.Context, requestID, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("%s.stage_%s.retry_", requestID, stage)
	for _, row := range m.rows {
		if len(row.CorrelationID) >= len(prefix) && row.CorrelationID[:len(prefix)] == prefix &&
			(row.Status == ErrorStatusPending || row.Status == ErrorStatusRetrying) {
			row.Status = ErrorStatusFailed
			row.NextRetryAt = nil
		}
	}
	return nil
}

func (m *memErrors) byStage(stage string) []*PipelineError {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PipelineError
	for _, row := range m.rows {
		if row.Stage == stage {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out
}

type memPolicies struct {
	mu       sync.Mutex
	policies map[string]*RetryPolicy
	queries  int
}

func newMemPolicies() *memPolicies {
	return &memPolicies{policies: make(map[string]*RetryPolicy)}
}

func (m *memPolicies) set(p RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ServiceName+"/"+p.StageName] = &p
}

func (m *memPolicies) GetRetryPolicy(ctx context.Context, serviceName, stageName string) (*RetryPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	p, ok := m.policies[serviceName+"/"+stageName]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPolicies) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// stubHandler is a configurable StageHandler for orchestrator and scheduler tests.
type stubHandler struct {
	mu       sync.Mutex
	hash     string
	outcomes []Outcome // consumed in order; last one repeats
	executed int
	cleanups int
	prepErr  error
	panicMsg string
}

func (h *stubHandler) Prepare(ctx context.Context, doc *Document) (InputHandle, error) {
	if h.prepErr != nil {
		return nil, h.prepErr
	}
	return nil, nil
}

func (h *stubHandler) Execute(ctx context.Context, doc *Document, in InputHandle, sink ProgressSink) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	h.executed++
	sink(50)
	if len(h.outcomes) == 0 {
		return Success(nil)
	}
	out := h.outcomes[0]
	if len(h.outcomes) > 1 {
		h.outcomes = h.outcomes[1:]
	}
	return out
}

func (h *stubHandler) CleanupOutputs(ctx context.Context, doc *Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups++
	return nil
}

func (h *stubHandler) InputHash(ctx context.Context, doc *Document) (string, error) {
	if h.hash == "" {
		return "hash-default", nil
	}
	return h.hash, nil
}

func (h *stubHandler) execCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executed
}
