// ABOUTME: Batch controller dispatching documents to scheduler workers under a bounded concurrency limit.
// ABOUTME: A buffered channel acts as the semaphore; aggregate statistics are collected at completion.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// StageStats aggregates timing for one stage across a batch.
type StageStats struct {
	Count     int     `json:"count"`
	AvgMillis float64 `json:"avg_millis"`
}

// BatchResult summarizes one batch invocation.
type BatchResult struct {
	Total           int                   `json:"total"`
	ByStatus        map[string]int        `json:"by_status"`
	DurationSeconds float64               `json:"duration_seconds"`
	PerStage        map[string]StageStats `json:"per_stage"`
	Results         []*RunResult          `json:"-"`
}

// BatchController runs the scheduler over a set of documents with at most
// maxConcurrency documents in flight.
type BatchController struct {
	sched          *Scheduler
	maxConcurrency int
}

// NewBatchController creates a controller. maxConcurrency values below 1
// are clamped to 1.
func NewBatchController(sched *Scheduler, maxConcurrency int) *BatchController {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &BatchController{sched: sched, maxConcurrency: maxConcurrency}
}

// Run processes each document id through the scheduler, bounding parallelism
// with a semaphore channel. Per-document failures are aggregated, never
// returned as errors; a document whose scheduler invocation errored counts
// under the "error" status.
func (b *BatchController) Run(ctx context.Context, documentIDs []string, opts RunOptions) *BatchResult {
	started := time.Now()

	semaphore := make(chan struct{}, b.maxConcurrency)
	results := make([]*RunResult, len(documentIDs))
	errs := make([]error, len(documentIDs))
	var wg sync.WaitGroup

	for i, id := range documentIDs {
		wg.Add(1)
		go func(idx int, docID string) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}

			res, err := b.sched.Run(ctx, docID, opts)
			results[idx] = res
			errs[idx] = err
		}(i, id)
	}
	wg.Wait()

	out := &BatchResult{
		Total:    len(documentIDs),
		ByStatus: make(map[string]int),
		PerStage: make(map[string]StageStats),
	}

	stageTotals := make(map[string]time.Duration)
	stageCounts := make(map[string]int)

	for i, res := range results {
		if errs[i] != nil || res == nil {
			out.ByStatus["error"]++
			continue
		}
		out.Results = append(out.Results, res)
		out.ByStatus[res.DocumentStatus]++
		for stage, sr := range res.StageResults {
			stageTotals[stage] += sr.Duration
			stageCounts[stage]++
		}
	}

	for stage, total := range stageTotals {
		n := stageCounts[stage]
		out.PerStage[stage] = StageStats{
			Count:     n,
			AvgMillis: float64(total.Milliseconds()) / float64(n),
		}
	}

	out.DurationSeconds = time.Since(started).Seconds()
	return out
}
