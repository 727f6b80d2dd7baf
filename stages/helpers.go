// ABOUTME: Shared helpers for stage handlers: marker-chained input hashing and extracted text loading.
// ABOUTME: Input hashes chain through prerequisite marker hashes so upstream changes invalidate downstream markers.
package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
)

// markerTextKey is the completion marker metadata key under which the text
// extraction stage records its output object.
const markerTextKey = "text_key"

// markerObjectKey is the marker metadata key for the uploaded source object.
const markerObjectKey = "object_key"

// chainedHash hashes a stage's inputs as its name, the document's content
// hash, and the data hashes of the named prerequisite stages' markers. A
// missing marker contributes an empty part, so the hash is still computable
// before prerequisites run; the scheduler gates execution separately.
func chainedHash(ctx context.Context, markers pipeline.MarkerStore, doc *pipeline.Document, stage string, prereqs ...string) (string, error) {
	parts := []string{stage, doc.ContentHash}
	for _, pre := range prereqs {
		m, err := markers.GetMarker(ctx, doc.ID, pre)
		if err != nil {
			return "", fmt.Errorf("load %s marker: %w", pre, err)
		}
		if m == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, m.DataHash)
	}
	return pipeline.HashInputs(parts...), nil
}

// uploadedObjectKey resolves the object store key the upload stage recorded.
func uploadedObjectKey(ctx context.Context, markers pipeline.MarkerStore, doc *pipeline.Document) (string, error) {
	m, err := markers.GetMarker(ctx, doc.ID, pipeline.StageUpload)
	if err != nil {
		return "", fmt.Errorf("load upload marker: %w", err)
	}
	if m == nil || m.Metadata[markerObjectKey] == "" {
		return "", fmt.Errorf("document %s has no uploaded object", doc.ID)
	}
	return m.Metadata[markerObjectKey], nil
}

// loadExtractedText fetches and decodes the text extraction stage's output.
func loadExtractedText(ctx context.Context, markers pipeline.MarkerStore, objects *objectstore.Store, doc *pipeline.Document) (*ExtractedText, error) {
	m, err := markers.GetMarker(ctx, doc.ID, pipeline.StageTextExtraction)
	if err != nil {
		return nil, fmt.Errorf("load text_extraction marker: %w", err)
	}
	if m == nil || m.Metadata[markerTextKey] == "" {
		return nil, fmt.Errorf("document %s has no extracted text", doc.ID)
	}

	data, err := objects.Get(m.Metadata[markerTextKey])
	if err != nil {
		return nil, fmt.Errorf("read extracted text: %w", err)
	}

	var text ExtractedText
	if err := json.Unmarshal(data, &text); err != nil {
		return nil, fmt.Errorf("decode extracted text: %w", err)
	}
	return &text, nil
}
