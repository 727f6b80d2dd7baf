// ABOUTME: Advisory lock rows keyed by the signed 64-bit hash of the lock name.
// ABOUTME: Non-blocking acquire via conflict-ignoring insert; session-scoped release on shutdown.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/pipeline"
)

// TryAcquire attempts to take the named advisory lock without blocking.
// ok=false with a nil error means another holder has it. The returned token
// identifies this acquisition for Release.
func (s *Store) TryAcquire(ctx context.Context, name string) (string, bool, error) {
	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (key, name, session_id, token, acquired_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		pipeline.LockKey(name), name, s.session, token, formatTime(time.Now()))
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock held under token. Releasing an unknown or already
// released token is a no-op.
func (s *Store) Release(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReleaseAll frees every lock this store's session acquired. Runs on worker
// shutdown so locks follow the session lifecycle.
func (s *Store) ReleaseAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE session_id = ?", s.session)
	if err != nil {
		return fmt.Errorf("release session locks: %w", err)
	}
	return nil
}
