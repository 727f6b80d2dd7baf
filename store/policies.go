// ABOUTME: Retry policy rows keyed on (service, stage); an empty stage name applies service-wide.
// ABOUTME: The policy registry caches these reads, so lookups here stay simple single-row queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docpipe/docpipe/pipeline"
)

// GetRetryPolicy loads one persisted retry policy. Returns (nil, nil) when
// no row matches, which tells the registry to fall through.
func (s *Store) GetRetryPolicy(ctx context.Context, serviceName, stageName string) (*pipeline.RetryPolicy, error) {
	var p pipeline.RetryPolicy
	var baseMs, maxMs int64
	var jitter int
	err := s.db.QueryRowContext(ctx,
		`SELECT service_name, stage_name, max_retries, base_delay_ms, max_delay_ms, exponential_base, jitter
		 FROM retry_policies WHERE service_name = ? AND stage_name = ?`,
		serviceName, stageName).Scan(
		&p.ServiceName, &p.StageName, &p.MaxRetries, &baseMs, &maxMs, &p.ExponentialBase, &jitter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query retry policy: %w", err)
	}

	p.BaseDelay = time.Duration(baseMs) * time.Millisecond
	p.MaxDelay = time.Duration(maxMs) * time.Millisecond
	p.Jitter = jitter != 0
	return &p, nil
}

// UpsertRetryPolicy writes one retry policy row, used by configuration load
// to seed per-service overrides.
func (s *Store) UpsertRetryPolicy(ctx context.Context, p *pipeline.RetryPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_policies (service_name, stage_name, max_retries, base_delay_ms, max_delay_ms, exponential_base, jitter)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_name, stage_name) DO UPDATE SET
			max_retries = excluded.max_retries,
			base_delay_ms = excluded.base_delay_ms,
			max_delay_ms = excluded.max_delay_ms,
			exponential_base = excluded.exponential_base,
			jitter = excluded.jitter`,
		p.ServiceName, p.StageName, p.MaxRetries,
		p.BaseDelay.Milliseconds(), p.MaxDelay.Milliseconds(),
		p.ExponentialBase, boolToInt(p.Jitter))
	if err != nil {
		return fmt.Errorf("upsert retry policy: %w", err)
	}
	return nil
}
