// ABOUTME: Stage descriptors, the StageHandler contract, Outcome types, and the ordered stage registry.
// ABOUTME: Declares the ten-stage document pipeline with its prerequisite graph and optional flags.
package pipeline

import (
	"context"
	"fmt"
	"sort"
)

// Stage name constants. These are stable identifiers persisted in
// stage_status and completion_markers rows.
const (
	StageUpload             = "upload"
	StageTextExtraction     = "text_extraction"
	StageImageProcessing    = "image_processing"
	StageClassification     = "classification"
	StageMetadataExtraction = "metadata_extraction"
	StageChunking           = "chunking"
	StageLinkExtraction     = "link_extraction"
	StageStorage            = "storage"
	StageEmbedding          = "embedding"
	StageSearchIndexing     = "search_indexing"
)

// InputHandle is the opaque result of StageHandler.Prepare, passed through
// to Execute. Handlers define their own concrete input types.
type InputHandle any

// ProgressSink receives progress reports from a running handler. Values may
// be on the 0-100 scale or fractional 0-1; the tracker canonicalizes.
type ProgressSink func(p float64)

// OutcomeStatus is the terminal status a handler reports for one execution.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeTransient OutcomeStatus = "transient_failure"
	OutcomePermanent OutcomeStatus = "permanent_failure"
)

// Outcome is what a handler's Execute returns. Exactly one of Metadata,
// Reason, or Err is meaningful depending on Status.
type Outcome struct {
	Status   OutcomeStatus
	Metadata map[string]string
	Reason   string
	Err      error
}

// Success builds a successful outcome carrying handler metadata.
func Success(metadata map[string]string) Outcome {
	return Outcome{Status: OutcomeSuccess, Metadata: metadata}
}

// Skipped builds a skipped outcome with a documented reason.
func Skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

// TransientFailure builds a failure outcome the orchestrator may retry.
func TransientFailure(err error) Outcome {
	return Outcome{Status: OutcomeTransient, Err: err}
}

// PermanentFailure builds a failure outcome that is never retried.
func PermanentFailure(err error) Outcome {
	return Outcome{Status: OutcomePermanent, Err: err}
}

// StageHandler is the contract every concrete stage implements. Handlers do
// not manage retries, locks, or markers; that is the orchestrator's job.
type StageHandler interface {
	// Prepare gathers the stage's inputs from the store without mutating anything.
	Prepare(ctx context.Context, doc *Document) (InputHandle, error)

	// Execute produces the stage's outputs, reporting progress through sink.
	// May be long-running; must honor ctx cancellation.
	Execute(ctx context.Context, doc *Document, in InputHandle, sink ProgressSink) Outcome

	// CleanupOutputs idempotently removes everything this stage previously
	// wrote for the document. Called when the stage's inputs changed.
	CleanupOutputs(ctx context.Context, doc *Document) error

	// InputHash returns a canonical hash over the inputs the stage consumes.
	// Identical inputs must yield byte-equal hashes.
	InputHash(ctx context.Context, doc *Document) (string, error)
}

// StageDescriptor is the static configuration for one stage.
type StageDescriptor struct {
	Name          string
	Ordinal       int
	Prerequisites []string
	Optional      bool
	Service       string // service name used for retry policy lookup
	Handler       StageHandler
}

// StageRegistry holds the ordered set of stage descriptors for a pipeline.
type StageRegistry struct {
	stages map[string]StageDescriptor
}

// NewStageRegistry creates an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{stages: make(map[string]StageDescriptor)}
}

// Register adds a descriptor, replacing any previous descriptor with the same name.
func (r *StageRegistry) Register(desc StageDescriptor) {
	r.stages[desc.Name] = desc
}

// Get returns the descriptor for a stage name, or false if unknown.
func (r *StageRegistry) Get(name string) (StageDescriptor, bool) {
	d, ok := r.stages[name]
	return d, ok
}

// Ordered returns all descriptors sorted by ordinal.
func (r *StageRegistry) Ordered() []StageDescriptor {
	out := make([]StageDescriptor, 0, len(r.stages))
	for _, d := range r.stages {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Validate checks that every prerequisite references a registered stage with
// a lower ordinal and that every descriptor carries a handler.
func (r *StageRegistry) Validate() error {
	for _, d := range r.stages {
		if d.Handler == nil {
			return fmt.Errorf("stage %q has no handler", d.Name)
		}
		for _, pre := range d.Prerequisites {
			p, ok := r.stages[pre]
			if !ok {
				return fmt.Errorf("stage %q requires unknown stage %q", d.Name, pre)
			}
			if p.Ordinal >= d.Ordinal {
				return fmt.Errorf("stage %q prerequisite %q is not ordered before it", d.Name, pre)
			}
		}
	}
	return nil
}

// StageLayout describes the standard ten-stage pipeline: name, ordinal,
// prerequisites, optional flag, and policy service name. Handlers are bound
// by the caller (see the stages package).
type StageLayout struct {
	Name          string
	Ordinal       int
	Prerequisites []string
	Optional      bool
	Service       string
}

// DefaultStageLayout returns the standard pipeline layout. image_processing,
// metadata_extraction, chunking, and link_extraction may run in any order
// after text_extraction; storage waits for all of them; embedding requires
// chunking and storage; search_indexing requires embedding.
func DefaultStageLayout() []StageLayout {
	return []StageLayout{
		{Name: StageUpload, Ordinal: 1, Service: "ingestion"},
		{Name: StageTextExtraction, Ordinal: 2, Prerequisites: []string{StageUpload}, Service: "extraction"},
		{Name: StageImageProcessing, Ordinal: 3, Prerequisites: []string{StageTextExtraction}, Optional: true, Service: "extraction"},
		{Name: StageClassification, Ordinal: 4, Prerequisites: []string{StageTextExtraction}, Service: "classification"},
		{Name: StageMetadataExtraction, Ordinal: 5, Prerequisites: []string{StageTextExtraction}, Optional: true, Service: "extraction"},
		{Name: StageChunking, Ordinal: 6, Prerequisites: []string{StageTextExtraction}, Service: "chunking"},
		{Name: StageLinkExtraction, Ordinal: 7, Prerequisites: []string{StageTextExtraction}, Optional: true, Service: "links"},
		{Name: StageStorage, Ordinal: 8, Prerequisites: []string{StageTextExtraction, StageImageProcessing, StageMetadataExtraction, StageChunking, StageLinkExtraction}, Service: "storage"},
		{Name: StageEmbedding, Ordinal: 9, Prerequisites: []string{StageChunking, StageStorage}, Service: "embedding"},
		{Name: StageSearchIndexing, Ordinal: 10, Prerequisites: []string{StageEmbedding}, Service: "search"},
	}
}
