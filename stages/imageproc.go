// ABOUTME: Image processing stage: extracts embedded images, stores the bytes, and queues image artifacts.
// ABOUTME: Optional; a PDF with no images is a skip, not a failure.
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

// ImageProcessingHandler extracts page images into the object store and
// enqueues one artifact per image for the storage stage.
type ImageProcessingHandler struct {
	store     *store.Store
	objects   *objectstore.Store
	markers   pipeline.MarkerStore
	extractor ImageExtractor
}

// NewImageProcessingHandler creates the handler.
func NewImageProcessingHandler(st *store.Store, objects *objectstore.Store, markers pipeline.MarkerStore, extractor ImageExtractor) *ImageProcessingHandler {
	return &ImageProcessingHandler{store: st, objects: objects, markers: markers, extractor: extractor}
}

// Prepare resolves the uploaded PDF path.
func (h *ImageProcessingHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	key, err := uploadedObjectKey(ctx, h.markers, doc)
	if err != nil {
		return nil, err
	}
	return textExtractionInput{pdfPath: h.objects.Path(key)}, nil
}

// Execute extracts images, stores each blob, and queues image artifacts.
func (h *ImageProcessingHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	input := in.(textExtractionInput)

	images, err := h.extractor.ExtractImages(ctx, input.pdfPath)
	if err != nil {
		return pipeline.TransientFailure(fmt.Errorf("extract images: %w", err))
	}
	if len(images) == 0 {
		return pipeline.Skipped("document contains no images")
	}

	for i, img := range images {
		if ctx.Err() != nil {
			return pipeline.TransientFailure(ctx.Err())
		}

		key, err := h.objects.Put(img.Data, img.Format)
		if err != nil {
			return pipeline.TransientFailure(fmt.Errorf("store image %d: %w", i, err))
		}

		payload, err := json.Marshal(store.Image{
			DocumentID: doc.ID,
			Page:       img.Page,
			ObjectKey:  key,
			Caption:    img.Caption,
			OCRText:    img.OCRText,
		})
		if err != nil {
			return pipeline.PermanentFailure(fmt.Errorf("encode image artifact: %w", err))
		}
		if err := h.store.EnqueueArtifact(ctx, &store.Artifact{
			DocumentID:  doc.ID,
			SourceStage: pipeline.StageImageProcessing,
			Kind:        store.KindImage,
			Payload:     payload,
		}); err != nil {
			return pipeline.TransientFailure(err)
		}

		sink(float64(i+1) / float64(len(images)) * 100)
	}

	return pipeline.Success(map[string]string{"images": strconv.Itoa(len(images))})
}

// CleanupOutputs drops queued image artifacts and canonical image rows.
func (h *ImageProcessingHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	if err := h.store.ClearArtifacts(ctx, doc.ID, pipeline.StageImageProcessing); err != nil {
		return err
	}
	return h.store.DeleteImages(ctx, doc.ID)
}

// InputHash chains through the upload marker.
func (h *ImageProcessingHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageImageProcessing, pipeline.StageUpload)
}
