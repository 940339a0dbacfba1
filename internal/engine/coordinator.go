package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/cauldron/internal/model"
)

// runAll executes every run and returns once all are terminal. Runs are
// updated in place, so their order in runs is preserved regardless of
// completion order.
//
// In parallel mode each run gets its own goroutine; a positive limit caps how
// many backend calls are in flight at once. Sequential mode runs them in
// order, and a failed run does not stop the ones after it.
func (x *executor) runAll(ctx context.Context, runs []*model.Run, cfg *model.ExperimentConfig, parallel bool, limit int) {
	if !parallel {
		for _, run := range runs {
			if ctx.Err() != nil {
				x.cancel(ctx, run)
				continue
			}
			x.execute(ctx, run, cfg)
		}
		return
	}

	var sem *semaphore.Weighted
	if limit > 0 {
		sem = semaphore.NewWeighted(int64(limit))
	}

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Go(func() {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					x.cancel(ctx, run)
					return
				}
				defer sem.Release(1)
			}
			// A waiter can be handed a slot after ctx ended.
			if ctx.Err() != nil {
				x.cancel(ctx, run)
				return
			}
			x.execute(ctx, run, cfg)
		})
	}
	wg.Wait()
}
