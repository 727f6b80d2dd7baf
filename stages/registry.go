// ABOUTME: Binds the concrete stage handlers onto the standard ten-stage pipeline layout.
// ABOUTME: Dependencies bundles everything the handlers need; nil optional members disable enrichment only.
package stages

import (
	"fmt"

	"github.com/docpipe/docpipe/objectstore"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/store"
)

// Dependencies is everything the standard pipeline's handlers consume.
// Videos may be nil; every other member is required.
type Dependencies struct {
	Store     *store.Store
	Objects   *objectstore.Store
	SourceDir string

	TextExtractor     TextExtractor
	ImageExtractor    ImageExtractor
	Classifier        Classifier
	MetadataExtractor MetadataExtractor
	Embedder          Embedder
	Videos            VideoMetadataProvider
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("stage dependencies: Store is required")
	case d.Objects == nil:
		return fmt.Errorf("stage dependencies: Objects is required")
	case d.TextExtractor == nil:
		return fmt.Errorf("stage dependencies: TextExtractor is required")
	case d.ImageExtractor == nil:
		return fmt.Errorf("stage dependencies: ImageExtractor is required")
	case d.Classifier == nil:
		return fmt.Errorf("stage dependencies: Classifier is required")
	case d.MetadataExtractor == nil:
		return fmt.Errorf("stage dependencies: MetadataExtractor is required")
	case d.Embedder == nil:
		return fmt.Errorf("stage dependencies: Embedder is required")
	}
	return nil
}

// DefaultRegistry builds the standard stage registry with handlers bound to
// the default layout.
func DefaultRegistry(deps Dependencies) (*pipeline.StageRegistry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	markers := pipeline.MarkerStore(deps.Store)
	handlers := map[string]pipeline.StageHandler{
		pipeline.StageUpload:             NewUploadHandler(deps.Objects, deps.SourceDir),
		pipeline.StageTextExtraction:     NewTextExtractionHandler(deps.Objects, markers, deps.TextExtractor),
		pipeline.StageImageProcessing:    NewImageProcessingHandler(deps.Store, deps.Objects, markers, deps.ImageExtractor),
		pipeline.StageClassification:     NewClassificationHandler(deps.Store, deps.Objects, markers, deps.Classifier),
		pipeline.StageMetadataExtraction: NewMetadataExtractionHandler(deps.Store, deps.Objects, markers, deps.MetadataExtractor),
		pipeline.StageChunking:           NewChunkingHandler(deps.Store, deps.Objects, markers),
		pipeline.StageLinkExtraction:     NewLinkExtractionHandler(deps.Store, deps.Objects, markers, deps.Videos),
		pipeline.StageStorage:            NewStorageHandler(deps.Store, markers),
		pipeline.StageEmbedding:          NewEmbeddingHandler(deps.Store, markers, deps.Embedder),
		pipeline.StageSearchIndexing:     NewSearchIndexingHandler(deps.Store, markers),
	}

	registry := pipeline.NewStageRegistry()
	for _, layout := range pipeline.DefaultStageLayout() {
		handler, ok := handlers[layout.Name]
		if !ok {
			return nil, fmt.Errorf("no handler bound for stage %q", layout.Name)
		}
		registry.Register(pipeline.StageDescriptor{
			Name:          layout.Name,
			Ordinal:       layout.Ordinal,
			Prerequisites: layout.Prerequisites,
			Optional:      layout.Optional,
			Service:       layout.Service,
			Handler:       handler,
		})
	}

	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}
