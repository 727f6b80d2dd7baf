// ABOUTME: Classification stage: determines manufacturer and document type from extracted text.
// ABOUTME: Writes its verdict directly onto the document row; downstream stages read the reloaded document.
package stages

import (
	"context"
	"fmt"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// classificationSample bounds how much text the classifier sees. The front
// matter of a manual identifies it; the rest is noise and cost.
const classificationSample = 8000

// ClassificationHandler classifies the document from its extracted text.
type ClassificationHandler struct {
	store      *store.Store
	objects    *objectstore.Store
	markers    pipeline.MarkerStore
	classifier Classifier
}

// NewClassificationHandler creates the handler.
func NewClassificationHandler(st *store.Store, objects *objectstore.Store, markers pipeline.MarkerStore, classifier Classifier) *ClassificationHandler {
	return &ClassificationHandler{store: st, objects: objects, markers: markers, classifier: classifier}
}

type classificationInput struct {
	sample string
}

// Prepare loads the extracted text and trims it to the classification sample.
func (h *ClassificationHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	text, err := loadExtractedText(ctx, h.markers, h.objects, doc)
	if err != nil {
		return nil, err
	}

	sample := text.Text()
	if len(sample) > classificationSample {
		sample = sample[:classificationSample]
	}
	return classificationInput{sample: sample}, nil
}

// Execute classifies and persists the verdict on the document row.
func (h *ClassificationHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	input := in.(classificationInput)
	sink(20)

	verdict, err := h.classifier.Classify(ctx, input.sample)
	if err != nil {
		return pipeline.TransientFailure(fmt.Errorf("classify document: %w", err))
	}
	sink(80)

	if err := h.store.SetDocumentClassification(ctx, doc.ID, verdict.Manufacturer, verdict.DocType); err != nil {
		return pipeline.TransientFailure(err)
	}
	sink(100)

	return pipeline.Success(map[string]string{
		"manufacturer": verdict.Manufacturer,
		"doc_type":     verdict.DocType,
	})
}

// CleanupOutputs clears the classification fields on the document row.
func (h *ClassificationHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	return h.store.SetDocumentClassification(ctx, doc.ID, "", "")
}

// InputHash chains through the text extraction marker.
func (h *ClassificationHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageClassification, pipeline.StageTextExtraction)
}
