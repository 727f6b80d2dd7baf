// ABOUTME: Storage stage: drains the document's artifact queue into canonical tables.
// ABOUTME: Each queue row commits or fails independently; one bad payload fails the stage after the drain.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// StorageHandler moves queued artifacts into their canonical tables.
type StorageHandler struct {
	store   *store.Store
	markers pipeline.MarkerStore
}

// NewStorageHandler creates the handler.
func NewStorageHandler(st *store.Store, markers pipeline.MarkerStore) *StorageHandler {
	return &StorageHandler{store: st, markers: markers}
}

// Prepare loads the document's pending queue rows.
func (h *StorageHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	artifacts, err := h.store.PendingArtifacts(ctx, doc.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("load pending artifacts: %w", err)
	}
	return artifacts, nil
}

// Execute stores every pending artifact. Rows with undecodable payloads are
// marked failed and counted; any such row fails the stage permanently after
// the rest have drained.
func (h *StorageHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	artifacts := in.([]*store.Artifact)
	if len(artifacts) == 0 {
		return pipeline.Success(map[string]string{"stored": "0"})
	}

	var badRows int
	for i, a := range artifacts {
		if ctx.Err() != nil {
			return pipeline.TransientFailure(ctx.Err())
		}

		if err := h.storeArtifact(ctx, doc, a); err != nil {
			if isPayloadError(err) {
				badRows++
				if markErr := h.store.MarkArtifactFailed(ctx, a.ID, err.Error()); markErr != nil {
					return pipeline.TransientFailure(markErr)
				}
				continue
			}
			return pipeline.TransientFailure(err)
		}
		if err := h.store.MarkArtifactStored(ctx, a.ID); err != nil {
			return pipeline.TransientFailure(err)
		}

		sink(float64(i+1) / float64(len(artifacts)) * 100)
	}

	if badRows > 0 {
		return pipeline.PermanentFailure(fmt.Errorf("%d artifact rows had undecodable payloads", badRows))
	}
	return pipeline.Success(map[string]string{"stored": strconv.Itoa(len(artifacts))})
}

func (h *StorageHandler) storeArtifact(ctx context.Context, doc *pipeline.Document, a *store.Artifact) error {
	switch a.Kind {
	case store.KindChunk:
		var c store.Chunk
		if err := json.Unmarshal(a.Payload, &c); err != nil {
			return payloadError(a, err)
		}
		c.DocumentID = doc.ID
		return h.store.InsertChunk(ctx, &c)

	case store.KindImage:
		var img store.Image
		if err := json.Unmarshal(a.Payload, &img); err != nil {
			return payloadError(a, err)
		}
		img.DocumentID = doc.ID
		return h.store.InsertImage(ctx, &img)

	case store.KindLink:
		var l store.Link
		if err := json.Unmarshal(a.Payload, &l); err != nil {
			return payloadError(a, err)
		}
		l.DocumentID = doc.ID
		return h.store.InsertLink(ctx, &l)

	case store.KindMetadata:
		var meta map[string]string
		if err := json.Unmarshal(a.Payload, &meta); err != nil {
			return payloadError(a, err)
		}
		for k, v := range meta {
			if err := h.store.SetDocumentMetadata(ctx, doc.ID, k, v); err != nil {
				return err
			}
		}
		return nil

	default:
		return payloadError(a, fmt.Errorf("unknown artifact kind %q", a.Kind))
	}
}

type artifactPayloadError struct {
	id   string
	kind string
	err  error
}

func (e *artifactPayloadError) Error() string {
	return fmt.Sprintf("artifact %s (%s): %v", e.id, e.kind, e.err)
}

func (e *artifactPayloadError) Unwrap() error { return e.err }

func payloadError(a *store.Artifact, err error) error {
	return &artifactPayloadError{id: a.ID, kind: a.Kind, err: err}
}

func isPayloadError(err error) bool {
	_, ok := err.(*artifactPayloadError)
	return ok
}

// CleanupOutputs removes the canonical rows a previous storage run wrote.
func (h *StorageHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	if err := h.store.DeleteChunks(ctx, doc.ID); err != nil {
		return err
	}
	if err := h.store.DeleteImages(ctx, doc.ID); err != nil {
		return err
	}
	if err := h.store.DeleteLinks(ctx, doc.ID); err != nil {
		return err
	}
	return h.store.DeleteDocumentMetadata(ctx, doc.ID)
}

// InputHash chains through every producing stage's marker; optional stages
// that never ran contribute empty parts.
func (h *StorageHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageStorage,
		pipeline.StageTextExtraction,
		pipeline.StageImageProcessing,
		pipeline.StageMetadataExtraction,
		pipeline.StageChunking,
		pipeline.StageLinkExtraction)
}
