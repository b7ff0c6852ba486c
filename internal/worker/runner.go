// Package worker runs the gateway's background tasks, today the usage
// reporter draining token counts to the Key Allocator.
package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is a long-running background task. Workers self-identify for the
// supervisor's logs.
type Worker interface {
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// Runner supervises a set of workers as one unit: all start together, the
// first failure cancels the rest, and Run returns only after every worker
// has wound down. The usage reporter uses that window to drain its buffer,
// so token counts from in-flight dispatches still reach the allocator.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts all workers and blocks until they finish. The first non-nil
// error cancels the rest and is returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.Info("worker started", "name", w.Name())
		g.Go(func() error {
			err := w.Run(ctx)
			slog.Info("worker stopped", "name", w.Name())
			return err
		})
	}
	return g.Wait()
}
