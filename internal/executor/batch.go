package executor

import (
	"context"
	"sync"

	"runbox/internal/metrics"
)

// RunBatch executes units concurrently with at most limit sandboxes in
// flight. The returned slice has the same length and order as units:
// results[i] is always the outcome of units[i], no matter when it finished.
// One unit's failure never affects its siblings.
func (e *Executor) RunBatch(ctx context.Context, units []SourceUnit, limit int) []Outcome {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	metrics.BatchSize.Observe(float64(len(units)))

	results := make([]Outcome, len(units))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, unit := range units {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, unit SourceUnit) {
			defer wg.Done()
			defer func() { <-sem }()

			results[i] = e.Run(ctx, unit)
		}(i, unit)
	}

	wg.Wait()
	return results
}
