// ABOUTME: Metadata extraction stage: pulls structured key-value facts from text and queues a metadata artifact.
// ABOUTME: Optional; a document yielding no metadata is a skip.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// MetadataExtractionHandler extracts document metadata (model numbers,
// revision, publication date) from the extracted text.
type MetadataExtractionHandler struct {
	store     *store.Store
	objects   *objectstore.Store
	markers   pipeline.MarkerStore
	extractor MetadataExtractor
}

// NewMetadataExtractionHandler creates the handler.
func NewMetadataExtractionHandler(st *store.Store, objects *objectstore.Store, markers pipeline.MarkerStore, extractor MetadataExtractor) *MetadataExtractionHandler {
	return &MetadataExtractionHandler{store: st, objects: objects, markers: markers, extractor: extractor}
}

// Prepare loads the extracted text.
func (h *MetadataExtractionHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	return loadExtractedText(ctx, h.markers, h.objects, doc)
}

// Execute extracts metadata and queues it as one artifact.
func (h *MetadataExtractionHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	text := in.(*ExtractedText)
	sink(20)

	metadata, err := h.extractor.ExtractMetadata(ctx, text.Text())
	if err != nil {
		return pipeline.TransientFailure(fmt.Errorf("extract metadata: %w", err))
	}
	if len(metadata) == 0 {
		return pipeline.Skipped("no metadata found")
	}
	sink(70)

	payload, err := json.Marshal(metadata)
	if err != nil {
		return pipeline.PermanentFailure(fmt.Errorf("encode metadata artifact: %w", err))
	}
	if err := h.store.EnqueueArtifact(ctx, &store.Artifact{
		DocumentID:  doc.ID,
		SourceStage: pipeline.StageMetadataExtraction,
		Kind:        store.KindMetadata,
		Payload:     payload,
	}); err != nil {
		return pipeline.TransientFailure(err)
	}
	sink(100)

	return pipeline.Success(map[string]string{"keys": strconv.Itoa(len(metadata))})
}

// CleanupOutputs drops the queued metadata artifact and stored metadata rows.
func (h *MetadataExtractionHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	if err := h.store.ClearArtifacts(ctx, doc.ID, pipeline.StageMetadataExtraction); err != nil {
		return err
	}
	return h.store.DeleteDocumentMetadata(ctx, doc.ID)
}

// InputHash chains through the text extraction marker.
func (h *MetadataExtractionHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageMetadataExtraction, pipeline.StageTextExtraction)
}
