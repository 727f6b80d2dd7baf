// ABOUTME: Embedding stage: generates one vector per stored chunk through the injected embedder.
// ABOUTME: Batched API calls with progress per batch; vectors upsert so a retry never duplicates.
package stages

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// embedBatchSize is how many chunks go into one embedder call.
const embedBatchSize = 64

// EmbeddingHandler embeds every stored chunk of a document.
type EmbeddingHandler struct {
	store    *store.Store
	markers  pipeline.MarkerStore
	embedder Embedder
}

// NewEmbeddingHandler creates the handler.
func NewEmbeddingHandler(st *store.Store, markers pipeline.MarkerStore, embedder Embedder) *EmbeddingHandler {
	return &EmbeddingHandler{store: st, markers: markers, embedder: embedder}
}

// Prepare loads the document's chunks.
func (h *EmbeddingHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	chunks, err := h.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	return chunks, nil
}

// Execute embeds chunks in batches and upserts the vectors.
func (h *EmbeddingHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	chunks := in.([]*store.Chunk)
	if len(chunks) == 0 {
		return pipeline.PermanentFailure(&pipeline.ValidationError{
			Message: fmt.Sprintf("document %s has no stored chunks to embed", doc.ID)})
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		if ctx.Err() != nil {
			return pipeline.TransientFailure(ctx.Err())
		}

		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := h.embedder.Embed(ctx, texts)
		if err != nil {
			// The embedder surfaces status-coded errors; classification
			// decides transient vs permanent from those.
			return pipeline.Outcome{Status: pipeline.OutcomeTransient, Err: fmt.Errorf("embed batch: %w", err)}
		}
		if len(vectors) != len(batch) {
			return pipeline.PermanentFailure(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch)))
		}

		for i, c := range batch {
			if err := h.store.UpsertEmbedding(ctx, &store.Embedding{
				ChunkID:    c.ID,
				DocumentID: doc.ID,
				Model:      h.embedder.Model(),
				Vector:     vectors[i],
			}); err != nil {
				return pipeline.TransientFailure(err)
			}
		}

		sink(float64(end) / float64(len(chunks)) * 100)
	}

	return pipeline.Success(map[string]string{
		"chunks": strconv.Itoa(len(chunks)),
		"model":  h.embedder.Model(),
	})
}

// CleanupOutputs drops the document's embedding vectors.
func (h *EmbeddingHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	return h.store.DeleteEmbeddings(ctx, doc.ID)
}

// InputHash chains through the chunking and storage markers plus the model
// name, so a model change re-embeds everything.
func (h *EmbeddingHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	base, err := chainedHash(ctx, h.markers, doc, pipeline.StageEmbedding,
		pipeline.StageChunking, pipeline.StageStorage)
	if err != nil {
		return "", err
	}
	return pipeline.HashInputs(base, h.embedder.Model()), nil
}
