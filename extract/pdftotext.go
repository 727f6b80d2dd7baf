// ABOUTME: Text extraction by shelling out to poppler's pdftotext; pages split on form feeds.
// ABOUTME: A missing binary or a corrupt PDF surfaces as a permanent validation failure.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/stages"
)

// PdfToText extracts page text with the pdftotext binary.
type PdfToText struct {
	// Binary overrides the executable name, for tests and exotic installs.
	Binary string
}

// NewPdfToText creates the extractor using pdftotext from PATH.
func NewPdfToText() *PdfToText {
	return &PdfToText{Binary: "pdftotext"}
}

// ExtractText runs pdftotext -layout and splits the output into pages on
// form feed characters.
func (p *PdfToText) ExtractText(ctx context.Context, pdfPath string) (*stages.ExtractedText, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Binary, "-layout", "-enc", "UTF-8", pdfPath, "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, lookErr := exec.LookPath(p.Binary); lookErr != nil {
			return nil, fmt.Errorf("pdftotext not installed: %w", lookErr)
		}
		return nil, &pipeline.ValidationError{
			Message: fmt.Sprintf("pdftotext failed: %s", strings.TrimSpace(stderr.String()))}
	}

	raw := strings.TrimRight(stdout.String(), "\f\n ")
	var pages []stages.PageText
	for i, pageText := range strings.Split(raw, "\f") {
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		pages = append(pages, stages.PageText{Number: i + 1, Text: pageText})
	}

	return &stages.ExtractedText{Pages: pages}, nil
}
