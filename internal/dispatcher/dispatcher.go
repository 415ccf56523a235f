// Package dispatcher fans a job's target queue out to a pool of workers.
package dispatcher

import (
	"context"
	"sync"
)

// Runner consumes the queue until it drains or ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the workers of one run.
type Dispatcher struct {
	workers []Runner
}

func New(workers []Runner) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run blocks until every worker has returned, either because the queue
// drained or because ctx ended and in-flight targets finished.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
}
