// ABOUTME: Text extraction stage: runs the injected PDF text extractor and stores page text as a JSON object.
// ABOUTME: The output object key lands in the completion marker so downstream stages can load the text.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
)

// TextExtractionHandler extracts page text from the uploaded PDF.
type TextExtractionHandler struct {
	objects   *objectstore.Store
	markers   pipeline.MarkerStore
	extractor TextExtractor
}

// NewTextExtractionHandler creates the handler.
func NewTextExtractionHandler(objects *objectstore.Store, markers pipeline.MarkerStore, extractor TextExtractor) *TextExtractionHandler {
	return &TextExtractionHandler{objects: objects, markers: markers, extractor: extractor}
}

type textExtractionInput struct {
	pdfPath string
}

// Prepare resolves the uploaded object's filesystem path.
func (h *TextExtractionHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	key, err := uploadedObjectKey(ctx, h.markers, doc)
	if err != nil {
		return nil, err
	}
	return textExtractionInput{pdfPath: h.objects.Path(key)}, nil
}

// Execute runs extraction and stores the page text JSON.
func (h *TextExtractionHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	input := in.(textExtractionInput)

	text, err := h.extractor.ExtractText(ctx, input.pdfPath)
	if err != nil {
		return pipeline.TransientFailure(fmt.Errorf("extract text: %w", err))
	}
	sink(70)

	if len(text.Pages) == 0 {
		return pipeline.PermanentFailure(&pipeline.ValidationError{
			Message: fmt.Sprintf("%s contains no extractable text", doc.Filename)})
	}

	encoded, err := json.Marshal(text)
	if err != nil {
		return pipeline.PermanentFailure(fmt.Errorf("encode extracted text: %w", err))
	}

	key, err := h.objects.Put(encoded, "json")
	if err != nil {
		return pipeline.TransientFailure(fmt.Errorf("store extracted text: %w", err))
	}
	sink(100)

	return pipeline.Success(map[string]string{
		markerTextKey: key,
		"pages":       strconv.Itoa(len(text.Pages)),
	})
}

// CleanupOutputs is a no-op; the text object is content-addressed.
func (h *TextExtractionHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	return nil
}

// InputHash chains through the upload marker.
func (h *TextExtractionHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageTextExtraction, pipeline.StageUpload)
}
