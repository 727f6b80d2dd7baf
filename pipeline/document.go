// ABOUTME: Document data model and the narrow store interface the scheduler mutates it through.
// ABOUTME: Defines document processing statuses and the status transition guard.
package pipeline

import (
	"context"
	"time"
)

// Document statuses. A document moves pending -> running -> (completed | failed)
// and never backward within a single pipeline invocation.
const (
	DocStatusPending   = "pending"
	DocStatusRunning   = "running"
	DocStatusCompleted = "completed"
	DocStatusFailed    = "failed"
)

// Document is one ingested file tracked through the pipeline.
type Document struct {
	ID           string
	Filename     string
	ContentHash  string
	Manufacturer string
	DocType      string
	Status       string
	SearchReady  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentStore is the slice of the relational store the scheduler needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string) error
}

// statusRank orders document statuses so transitions never regress.
var statusRank = map[string]int{
	DocStatusPending:   0,
	DocStatusRunning:   1,
	DocStatusCompleted: 2,
	DocStatusFailed:    2,
}

// CanTransition reports whether a document may move from one status to another.
// Completed only transitions to itself; a failed document may re-enter the
// pipeline through running so a later invocation can reprocess it. Running
// never returns to pending.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == DocStatusCompleted {
		return false
	}
	if from == DocStatusFailed {
		return to == DocStatusRunning
	}
	return statusRank[to] > statusRank[from]
}
