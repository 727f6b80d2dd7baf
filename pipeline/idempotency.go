// ABOUTME: Completion markers keyed by input-content hash, and the canonical input hashing helper.
// ABOUTME: Equal hashes mean a stage's previous outputs are reusable; unequal hashes trigger cleanup and re-run.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// CompletionMarker records that a stage succeeded for a document, keyed by
// the hash of the inputs it consumed. (document, stage) is unique.
type CompletionMarker struct {
	DocumentID  string
	Stage       string
	CompletedAt time.Time
	DataHash    string
	Metadata    map[string]string
}

// MarkerStore persists completion markers.
type MarkerStore interface {
	GetMarker(ctx context.Context, documentID, stage string) (*CompletionMarker, error)
	SetMarker(ctx context.Context, marker *CompletionMarker) error
	ClearMarker(ctx context.Context, documentID, stage string) error
}

// HashInputs computes a canonical SHA-256 over an ordered list of input
// parts. Each part is length-prefixed so ("ab","c") and ("a","bc") hash
// differently. Identical inputs always yield byte-equal output.
func HashInputs(parts ...string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
