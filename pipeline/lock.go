// ABOUTME: Advisory lock naming and key derivation for serializing concurrent work on one (document, stage).
// ABOUTME: Acquisition is non-blocking; the loser treats the stage as already being handled elsewhere.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
)

// LockManager acquires and releases named advisory locks. TryAcquire is
// non-blocking: ok=false means another worker holds the lock. Release is
// idempotent. ReleaseAll frees every lock held by this manager's session
// and runs on worker shutdown so releases follow the session lifecycle.
type LockManager interface {
	TryAcquire(ctx context.Context, name string) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
	ReleaseAll(ctx context.Context) error
}

// LockName derives the deterministic advisory lock name for a (document, stage) pair.
func LockName(documentID, stage string) string {
	return fmt.Sprintf("docpipe:%s:%s", documentID, stage)
}

// LockKey maps a lock name to the signed 64-bit integer key the store's
// advisory lock facility uses, via FNV-1a.
func LockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
