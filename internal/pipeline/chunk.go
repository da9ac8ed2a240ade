package pipeline

import (
	"context"
	"sync"

	"tsfetch/internal/domain"
)

// ChunkResult pairs a date with the outcome of fetching it.
type ChunkResult struct {
	Date    string
	Outcome Outcome
}

// ChunkRunner fans a chunk of dates out to a Fetcher.
type ChunkRunner struct {
	fetcher Fetcher
}

// NewChunkRunner returns a ChunkRunner backed by f.
func NewChunkRunner(f Fetcher) *ChunkRunner {
	return &ChunkRunner{fetcher: f}
}

// RunChunk fetches every date concurrently and waits for all of them. The
// only bound on concurrency is the Fetcher's own in-flight limit. Results
// are returned in the order of dates regardless of completion order.
func (r *ChunkRunner) RunChunk(ctx context.Context, entity domain.Entity, dates []string) []ChunkResult {
	results := make([]ChunkResult, len(dates))
	var wg sync.WaitGroup
	for i, date := range dates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = ChunkResult{
				Date:    date,
				Outcome: r.fetcher.FetchOne(ctx, domain.Unit{Entity: entity, Date: date}),
			}
		}()
	}
	wg.Wait()
	return results
}
