// ABOUTME: External dependency contracts the stage handlers consume: extractors, classifier, video metadata.
// ABOUTME: Concrete implementations are injected at wiring time; tests substitute fakes.
package stages

import (
	"context"
)

// PageText is the extracted text of one PDF page.
type PageText struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ExtractedText is the full extraction result for one document.
type ExtractedText struct {
	Pages []PageText `json:"pages"`
}

// Text returns all pages joined with form feeds, the canonical flat form
// downstream stages consume.
func (e *ExtractedText) Text() string {
	out := ""
	for i, p := range e.Pages {
		if i > 0 {
			out += "\f"
		}
		out += p.Text
	}
	return out
}

// TextExtractor pulls page text out of a PDF file.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdfPath string) (*ExtractedText, error)
}

// ExtractedImage is one image pulled from a PDF page.
type ExtractedImage struct {
	Page    int
	Data    []byte
	Format  string // file extension without dot, e.g. "png"
	Caption string
	OCRText string
}

// ImageExtractor pulls embedded images out of a PDF file.
type ImageExtractor interface {
	ExtractImages(ctx context.Context, pdfPath string) ([]ExtractedImage, error)
}

// Classification is the classifier's verdict for a document.
type Classification struct {
	Manufacturer string
	DocType      string
}

// Classifier determines manufacturer and document type from extracted text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// MetadataExtractor pulls structured key-value metadata (model numbers,
// revision, publication date) from extracted text.
type MetadataExtractor interface {
	ExtractMetadata(ctx context.Context, text string) (map[string]string, error)
}

// VideoMetadataProvider resolves metadata for a video URL. A nil provider
// disables enrichment; lookup failures degrade to the bare link.
type VideoMetadataProvider interface {
	Lookup(ctx context.Context, url string) (map[string]string, error)
}

// Embedder generates one vector per input text. The embed package's client
// implements it.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
