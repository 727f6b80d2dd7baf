// ABOUTME: Link extraction stage: finds URLs in extracted text and queues link artifacts.
// ABOUTME: Video URLs are recognized by host pattern and optionally enriched through the metadata provider.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

var videoHosts = []string{
	"youtube.com/watch",
	"youtu.be/",
	"vimeo.com/",
}

// LinkExtractionHandler finds URLs in the extracted text. Optional stage.
type LinkExtractionHandler struct {
	store   *store.Store
	objects *objectstore.Store
	markers pipeline.MarkerStore
	videos  VideoMetadataProvider // nil disables enrichment
}

// NewLinkExtractionHandler creates the handler. videos may be nil.
func NewLinkExtractionHandler(st *store.Store, objects *objectstore.Store, markers pipeline.MarkerStore, videos VideoMetadataProvider) *LinkExtractionHandler {
	return &LinkExtractionHandler{store: st, objects: objects, markers: markers, videos: videos}
}

// Prepare loads the extracted text.
func (h *LinkExtractionHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	return loadExtractedText(ctx, h.markers, h.objects, doc)
}

// Execute extracts deduplicated URLs and queues one artifact per link.
func (h *LinkExtractionHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	text := in.(*ExtractedText)

	urls := ExtractURLs(text.Text())
	if len(urls) == 0 {
		return pipeline.Skipped("document contains no links")
	}

	for i, url := range urls {
		if ctx.Err() != nil {
			return pipeline.TransientFailure(ctx.Err())
		}

		link := store.Link{DocumentID: doc.ID, URL: url, Kind: "link"}
		if IsVideoURL(url) {
			link.Kind = "video"
			if h.videos != nil {
				meta, err := h.videos.Lookup(ctx, url)
				if err != nil {
					// Enrichment is best-effort; the bare link still counts.
					fmt.Fprintf(os.Stderr, "[links] video metadata lookup failed for %s: %v\n", url, err)
				} else {
					link.VideoMeta = meta
					link.Title = meta["title"]
				}
			}
		}

		payload, err := json.Marshal(link)
		if err != nil {
			return pipeline.PermanentFailure(fmt.Errorf("encode link artifact: %w", err))
		}
		if err := h.store.EnqueueArtifact(ctx, &store.Artifact{
			DocumentID:  doc.ID,
			SourceStage: pipeline.StageLinkExtraction,
			Kind:        store.KindLink,
			Payload:     payload,
		}); err != nil {
			return pipeline.TransientFailure(err)
		}

		sink(float64(i+1) / float64(len(urls)) * 100)
	}

	return pipeline.Success(map[string]string{"links": strconv.Itoa(len(urls))})
}

// CleanupOutputs drops queued link artifacts and canonical link rows.
func (h *LinkExtractionHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	if err := h.store.ClearArtifacts(ctx, doc.ID, pipeline.StageLinkExtraction); err != nil {
		return err
	}
	return h.store.DeleteLinks(ctx, doc.ID)
}

// InputHash chains through the text extraction marker.
func (h *LinkExtractionHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageLinkExtraction, pipeline.StageTextExtraction)
}

// ExtractURLs returns the unique URLs in text, in first-seen order, with
// trailing punctuation trimmed.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		url := strings.TrimRight(m, ".,;:")
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

// IsVideoURL reports whether a URL points at a known video host.
func IsVideoURL(url string) bool {
	for _, host := range videoHosts {
		if strings.Contains(url, host) {
			return true
		}
	}
	return false
}
