// ABOUTME: Search indexing stage: verifies every chunk has a vector and flips the document's search flag.
// ABOUTME: The flag is the commit point; a document is invisible to search until this stage succeeds.
package stages

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// SearchIndexingHandler makes a fully embedded document visible to search.
type SearchIndexingHandler struct {
	store   *store.Store
	markers pipeline.MarkerStore
}

// NewSearchIndexingHandler creates the handler.
func NewSearchIndexingHandler(st *store.Store, markers pipeline.MarkerStore) *SearchIndexingHandler {
	return &SearchIndexingHandler{store: st, markers: markers}
}

type indexingInput struct {
	chunks     int
	embeddings int
}

// Prepare counts chunks and embeddings for the coverage check.
func (h *SearchIndexingHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	chunks, err := h.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	embeddings, err := h.store.CountEmbeddings(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return indexingInput{chunks: len(chunks), embeddings: embeddings}, nil
}

// Execute verifies embedding coverage and sets search_ready.
func (h *SearchIndexingHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	input := in.(indexingInput)

	if input.chunks == 0 || input.embeddings < input.chunks {
		return pipeline.PermanentFailure(fmt.Errorf(
			"embedding coverage incomplete: %d of %d chunks embedded", input.embeddings, input.chunks))
	}
	sink(50)

	if err := h.store.SetSearchReady(ctx, doc.ID, true); err != nil {
		return pipeline.TransientFailure(err)
	}
	sink(100)

	return pipeline.Success(map[string]string{"chunks": strconv.Itoa(input.chunks)})
}

// CleanupOutputs withdraws the document from search.
func (h *SearchIndexingHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	return h.store.SetSearchReady(ctx, doc.ID, false)
}

// InputHash chains through the embedding marker.
func (h *SearchIndexingHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageSearchIndexing, pipeline.StageEmbedding)
}
