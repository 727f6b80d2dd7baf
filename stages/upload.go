// ABOUTME: Upload stage: validates the source PDF and copies it into content-addressed object storage.
// ABOUTME: Dedupe rides on content addressing; re-uploading identical bytes lands on the same key.
package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
)

var pdfMagic = []byte("%PDF-")

// UploadHandler ingests the document's source file into the object store.
type UploadHandler struct {
	objects *objectstore.Store

	// ResolveSource maps a document to its source file path. Defaults to
	// joining SourceDir with the document's filename.
	ResolveSource func(doc *pipeline.Document) (string, error)
	SourceDir     string
}

// NewUploadHandler creates the handler reading sources from sourceDir.
func NewUploadHandler(objects *objectstore.Store, sourceDir string) *UploadHandler {
	return &UploadHandler{objects: objects, SourceDir: sourceDir}
}

type uploadInput struct {
	path string
}

func (h *UploadHandler) sourcePath(doc *pipeline.Document) (string, error) {
	if h.ResolveSource != nil {
		return h.ResolveSource(doc)
	}
	return filepath.Join(h.SourceDir, doc.Filename), nil
}

// Prepare locates the source file and validates it is a readable PDF.
func (h *UploadHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	path, err := h.sourcePath(doc)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &pipeline.ValidationError{Message: fmt.Sprintf("source file missing: %s", path)}
		}
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(pdfMagic))
	if _, err := f.Read(header); err != nil || !bytes.Equal(header, pdfMagic) {
		return nil, &pipeline.ValidationError{Message: fmt.Sprintf("%s is not a PDF", doc.Filename)}
	}

	return uploadInput{path: path}, nil
}

// Execute copies the source into the object store.
func (h *UploadHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	input := in.(uploadInput)
	sink(10)

	key, err := h.objects.PutFile(input.path, "pdf")
	if err != nil {
		return pipeline.TransientFailure(fmt.Errorf("store source file: %w", err))
	}
	sink(100)

	return pipeline.Success(map[string]string{markerObjectKey: key})
}

// CleanupOutputs is a no-op: objects are content-addressed, so a stale blob
// is either unreachable or exactly what a re-run would write again.
func (h *UploadHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	return nil
}

// InputHash covers the document's content hash; the same bytes never
// re-upload.
func (h *UploadHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return pipeline.HashInputs(pipeline.StageUpload, doc.ContentHash), nil
}
