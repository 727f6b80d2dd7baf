// ABOUTME: Chunking stage: splits extracted page text into retrieval-sized chunks and queues chunk artifacts.
// ABOUTME: Paragraph-aligned splitting with a hard character ceiling; section headings carry into chunk context.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// maxChunkChars bounds one chunk. Roughly 400-500 tokens of manual text.
const maxChunkChars = 1800

// ChunkingHandler splits extracted text into chunks for embedding and search.
type ChunkingHandler struct {
	store   *store.Store
	objects *objectstore.Store
	markers pipeline.MarkerStore
}

// NewChunkingHandler creates the handler.
func NewChunkingHandler(st *store.Store, objects *objectstore.Store, markers pipeline.MarkerStore) *ChunkingHandler {
	return &ChunkingHandler{store: st, objects: objects, markers: markers}
}

// Prepare loads the extracted text.
func (h *ChunkingHandler) Prepare(ctx context.Context, doc *pipeline.Document) (pipeline.InputHandle, error) {
	return loadExtractedText(ctx, h.markers, h.objects, doc)
}

// Execute chunks the text and queues one artifact per chunk.
func (h *ChunkingHandler) Execute(ctx context.Context, doc *pipeline.Document, in pipeline.InputHandle, sink pipeline.ProgressSink) pipeline.Outcome {
	text := in.(*ExtractedText)

	chunks := SplitPages(doc.ID, text.Pages)
	if len(chunks) == 0 {
		return pipeline.PermanentFailure(&pipeline.ValidationError{
			Message: fmt.Sprintf("%s produced no chunks", doc.Filename)})
	}

	for i, c := range chunks {
		if ctx.Err() != nil {
			return pipeline.TransientFailure(ctx.Err())
		}

		payload, err := json.Marshal(c)
		if err != nil {
			return pipeline.PermanentFailure(fmt.Errorf("encode chunk artifact: %w", err))
		}
		if err := h.store.EnqueueArtifact(ctx, &store.Artifact{
			DocumentID:  doc.ID,
			SourceStage: pipeline.StageChunking,
			Kind:        store.KindChunk,
			Payload:     payload,
		}); err != nil {
			return pipeline.TransientFailure(err)
		}

		sink(float64(i+1) / float64(len(chunks)) * 100)
	}

	return pipeline.Success(map[string]string{"chunks": strconv.Itoa(len(chunks))})
}

// CleanupOutputs drops queued chunk artifacts and canonical chunk rows.
func (h *ChunkingHandler) CleanupOutputs(ctx context.Context, doc *pipeline.Document) error {
	if err := h.store.ClearArtifacts(ctx, doc.ID, pipeline.StageChunking); err != nil {
		return err
	}
	return h.store.DeleteChunks(ctx, doc.ID)
}

// InputHash chains through the text extraction marker.
func (h *ChunkingHandler) InputHash(ctx context.Context, doc *pipeline.Document) (string, error) {
	return chainedHash(ctx, h.markers, doc, pipeline.StageChunking, pipeline.StageTextExtraction)
}

// SplitPages turns page text into chunks. Paragraphs stay together when they
// fit; a paragraph longer than the ceiling is split mid-text. Heading-looking
// lines set the section label for subsequent chunks.
func SplitPages(documentID string, pages []PageText) []*store.Chunk {
	var chunks []*store.Chunk
	var buf strings.Builder
	var bufPage int
	section := ""

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		chunks = append(chunks, &store.Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			Text:       text,
			Page:       bufPage,
			Section:    section,
			TokenCount: estimateTokens(text),
		})
	}

	for _, page := range pages {
		for _, para := range strings.Split(page.Text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			if isHeading(para) {
				flush()
				section = para
				bufPage = page.Number
			}

			if buf.Len() > 0 && buf.Len()+len(para) > maxChunkChars {
				flush()
			}
			if buf.Len() == 0 {
				bufPage = page.Number
			}

			// Oversized paragraphs split on the hard ceiling.
			for len(para) > maxChunkChars {
				flush()
				bufPage = page.Number
				buf.WriteString(para[:maxChunkChars])
				flush()
				para = para[maxChunkChars:]
			}

			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(para)
		}
	}
	flush()

	return chunks
}

// isHeading guesses whether one short line is a section heading: numbered
// ("3.2 Maintenance") or fully uppercase.
func isHeading(line string) bool {
	if strings.Contains(line, "\n") || len(line) > 80 {
		return false
	}
	if line == strings.ToUpper(line) && strings.IndexFunc(line, isLetter) >= 0 {
		return true
	}
	i := 0
	for i < len(line) && (line[i] >= '0' && line[i] <= '9' || line[i] == '.') {
		i++
	}
	return i > 0 && i < len(line) && line[i] == ' '
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
