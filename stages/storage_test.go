// ABOUTME: Tests for the storage stage's queue drain and the marker-chained input hashing helper.
package stages

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// fakeMarkers is an in-memory pipeline.MarkerStore for handler tests.
type fakeMarkers struct {
	mu      sync.Mutex
	markers map[string]*pipeline.CompletionMarker
}

func newFakeMarkers() *fakeMarkers {
	return &fakeMarkers{markers: make(map[string]*pipeline.CompletionMarker)}
}

func (f *fakeMarkers) GetMarker(ctx context.Context, documentID, stage string) (*pipeline.CompletionMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markers[documentID+"/"+stage]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMarkers) SetMarker(ctx context.Context, m *pipeline.CompletionMarker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.markers[m.DocumentID+"/"+m.Stage] = &cp
	return nil
}

func (f *fakeMarkers) ClearMarker(ctx context.Context, documentID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, documentID+"/"+stage)
	return nil
}

func (f *fakeMarkers) complete(documentID, stage, hash string) {
	f.SetMarker(context.Background(), &pipeline.CompletionMarker{
		DocumentID: documentID, Stage: stage, DataHash: hash, CompletedAt: time.Now(),
	})
}

func openStageStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "stages.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func noopSink(p float64) {}

func enqueue(t *testing.T, st *store.Store, docID, sourceStage, kind string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := st.EnqueueArtifact(context.Background(), &store.Artifact{
		DocumentID: docID, SourceStage: sourceStage, Kind: kind, Payload: data,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestStorageDrainsQueueIntoCanonicalTables(t *testing.T) {
	st := openStageStore(t)
	ctx := context.Background()
	doc := &pipeline.Document{ID: "d1", Filename: "pump.pdf", ContentHash: "aaa"}

	enqueue(t, st, "d1", pipeline.StageChunking, store.KindChunk,
		store.Chunk{Index: 0, Text: "Drain the pump.", Page: 1, TokenCount: 4})
	enqueue(t, st, "d1", pipeline.StageChunking, store.KindChunk,
		store.Chunk{Index: 1, Text: "Mount vertically.", Page: 2, TokenCount: 4})
	enqueue(t, st, "d1", pipeline.StageLinkExtraction, store.KindLink,
		store.Link{URL: "https://youtu.be/abc", Kind: "video"})
	enqueue(t, st, "d1", pipeline.StageMetadataExtraction, store.KindMetadata,
		map[string]string{"model_number": "CR-95"})

	h := NewStorageHandler(st, newFakeMarkers())
	in, err := h.Prepare(ctx, doc)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	outcome := h.Execute(ctx, doc, in, noopSink)
	if outcome.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", outcome.Status, outcome.Err)
	}
	if outcome.Metadata["stored"] != "4" {
		t.Errorf("stored = %q, want 4", outcome.Metadata["stored"])
	}

	chunks, _ := st.ListChunks(ctx, "d1")
	if len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}
	meta, _ := st.GetDocumentMetadata(ctx, "d1")
	if meta["model_number"] != "CR-95" {
		t.Errorf("metadata = %v", meta)
	}
	if pending, _ := st.PendingArtifacts(ctx, "d1", 0); len(pending) != 0 {
		t.Errorf("pending after drain = %d, want 0", len(pending))
	}
}

func TestStorageEmptyQueueSucceeds(t *testing.T) {
	st := openStageStore(t)
	ctx := context.Background()
	doc := &pipeline.Document{ID: "d1", ContentHash: "aaa"}

	h := NewStorageHandler(st, newFakeMarkers())
	in, err := h.Prepare(ctx, doc)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(ctx, doc, in, noopSink)
	if outcome.Status != pipeline.OutcomeSuccess || outcome.Metadata["stored"] != "0" {
		t.Errorf("outcome = %s, metadata = %v", outcome.Status, outcome.Metadata)
	}
}

func TestStorageBadPayloadFailsAfterDrain(t *testing.T) {
	st := openStageStore(t)
	ctx := context.Background()
	doc := &pipeline.Document{ID: "d1", ContentHash: "aaa"}

	// One good chunk and one undecodable row.
	enqueue(t, st, "d1", pipeline.StageChunking, store.KindChunk,
		store.Chunk{Index: 0, Text: "valid", Page: 1})
	if err := st.EnqueueArtifact(ctx, &store.Artifact{
		DocumentID: "d1", SourceStage: pipeline.StageChunking, Kind: store.KindChunk,
		Payload: []byte("{not json"),
	}); err != nil {
		t.Fatalf("enqueue bad row: %v", err)
	}

	h := NewStorageHandler(st, newFakeMarkers())
	in, _ := h.Prepare(ctx, doc)
	outcome := h.Execute(ctx, doc, in, noopSink)

	if outcome.Status != pipeline.OutcomePermanent {
		t.Fatalf("outcome = %s, want permanent failure", outcome.Status)
	}
	// The good row still landed.
	chunks, _ := st.ListChunks(ctx, "d1")
	if len(chunks) != 1 {
		t.Errorf("chunks = %d, want the valid row stored", len(chunks))
	}
	// No rows left pending: the bad one is marked failed.
	if pending, _ := st.PendingArtifacts(ctx, "d1", 0); len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestStorageUnknownKindIsPayloadError(t *testing.T) {
	st := openStageStore(t)
	ctx := context.Background()
	doc := &pipeline.Document{ID: "d1", ContentHash: "aaa"}

	if err := st.EnqueueArtifact(ctx, &store.Artifact{
		DocumentID: "d1", SourceStage: "somewhere", Kind: "mystery", Payload: []byte("{}"),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h := NewStorageHandler(st, newFakeMarkers())
	in, _ := h.Prepare(ctx, doc)
	if outcome := h.Execute(ctx, doc, in, noopSink); outcome.Status != pipeline.OutcomePermanent {
		t.Errorf("outcome = %s, want permanent failure", outcome.Status)
	}
}

func TestStorageCleanupOutputs(t *testing.T) {
	st := openStageStore(t)
	ctx := context.Background()
	doc := &pipeline.Document{ID: "d1", ContentHash: "aaa"}

	st.InsertChunk(ctx, &store.Chunk{DocumentID: "d1", Index: 0, Text: "x"})
	st.InsertLink(ctx, &store.Link{DocumentID: "d1", URL: "https://example.com"})
	st.SetDocumentMetadata(ctx, "d1", "k", "v")

	h := NewStorageHandler(st, newFakeMarkers())
	if err := h.CleanupOutputs(ctx, doc); err != nil {
		t.Fatalf("CleanupOutputs: %v", err)
	}

	if chunks, _ := st.ListChunks(ctx, "d1"); len(chunks) != 0 {
		t.Errorf("chunks survived cleanup: %d", len(chunks))
	}
	if meta, _ := st.GetDocumentMetadata(ctx, "d1"); len(meta) != 0 {
		t.Errorf("metadata survived cleanup: %v", meta)
	}
}

func TestChainedHashReactsToPrerequisiteMarkers(t *testing.T) {
	ctx := context.Background()
	markers := newFakeMarkers()
	doc := &pipeline.Document{ID: "d1", ContentHash: "content-v1"}

	// Computable before the prerequisite ran.
	before, err := chainedHash(ctx, markers, doc, pipeline.StageChunking, pipeline.StageTextExtraction)
	if err != nil {
		t.Fatalf("chainedHash: %v", err)
	}

	markers.complete("d1", pipeline.StageTextExtraction, "text-hash-1")
	after, err := chainedHash(ctx, markers, doc, pipeline.StageChunking, pipeline.StageTextExtraction)
	if err != nil {
		t.Fatalf("chainedHash: %v", err)
	}
	if before == after {
		t.Error("hash unchanged after the prerequisite completed")
	}

	// A new upstream output hash invalidates downstream.
	markers.complete("d1", pipeline.StageTextExtraction, "text-hash-2")
	changed, _ := chainedHash(ctx, markers, doc, pipeline.StageChunking, pipeline.StageTextExtraction)
	if changed == after {
		t.Error("hash unchanged after the prerequisite's output changed")
	}

	// Stable when nothing moved.
	same, _ := chainedHash(ctx, markers, doc, pipeline.StageChunking, pipeline.StageTextExtraction)
	if same != changed {
		t.Error("hash not deterministic")
	}

	// Different stages hash differently over identical inputs.
	other, _ := chainedHash(ctx, markers, doc, pipeline.StageLinkExtraction, pipeline.StageTextExtraction)
	if other == changed {
		t.Error("distinct stages produced the same hash")
	}
}

func TestStorageInputHashCoversAllProducers(t *testing.T) {
	ctx := context.Background()
	st := openStageStore(t)
	markers := newFakeMarkers()
	doc := &pipeline.Document{ID: "d1", ContentHash: "aaa"}

	h := NewStorageHandler(st, markers)
	before, err := h.InputHash(ctx, doc)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}

	// An optional producer completing must invalidate the storage marker.
	markers.complete("d1", pipeline.StageLinkExtraction, "links-hash")
	after, _ := h.InputHash(ctx, doc)
	if before == after {
		t.Error("storage hash ignores link_extraction output")
	}
}
