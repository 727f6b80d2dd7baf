// ABOUTME: Image extraction by shelling out to poppler's pdfimages into a temp directory.
// ABOUTME: Page numbers come from pdfimages' -p filename convention: prefix-PPP-NNN.png.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/stages"
)

// PdfImages extracts embedded images with the pdfimages binary.
type PdfImages struct {
	Binary string
}

// NewPdfImages creates the extractor using pdfimages from PATH.
func NewPdfImages() *PdfImages {
	return &PdfImages{Binary: "pdfimages"}
}

// ExtractImages runs pdfimages -png -p into a temp directory and reads the
// results back. The temp directory is removed before returning.
func (p *PdfImages) ExtractImages(ctx context.Context, pdfPath string) ([]stages.ExtractedImage, error) {
	dir, err := os.MkdirTemp("", "pdfimages-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Binary, "-png", "-p", pdfPath, filepath.Join(dir, "img"))
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, lookErr := exec.LookPath(p.Binary); lookErr != nil {
			return nil, fmt.Errorf("pdfimages not installed: %w", lookErr)
		}
		return nil, &pipeline.ValidationError{
			Message: fmt.Sprintf("pdfimages failed: %s", strings.TrimSpace(stderr.String()))}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read temp dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var images []stages.ExtractedImage
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".png") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read extracted image %s: %w", name, err)
		}

		images = append(images, stages.ExtractedImage{
			Page:   pageFromName(name),
			Data:   data,
			Format: "png",
		})
	}
	return images, nil
}

// pageFromName parses the page number out of img-PPP-NNN.png.
func pageFromName(name string) int {
	parts := strings.Split(strings.TrimSuffix(name, ".png"), "-")
	if len(parts) < 3 {
		return 0
	}
	page, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return page
}
