package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/queue/memory"
)

func TestDispatcherRunDrainsQueue(t *testing.T) {
	t.Parallel()

	targets := make([]harvest.Target, 20)
	for i := range targets {
		targets[i] = harvest.Target{SurferID: "s", Year: 2000 + i}
	}
	queue := memory.Fill("job", targets)
	var processed atomic.Int64
	runners := make([]Runner, 4)
	for i := range runners {
		runners[i] = &drainingRunner{queue: queue, processed: &processed}
	}

	done := make(chan struct{})
	go func() {
		New(runners).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return after queue drained")
	}
	require.Equal(t, int64(20), processed.Load())
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 2)
	dispatch := New([]Runner{&waitingRunner{started: started}, &waitingRunner{started: started}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for range 2 {
		<-started
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type drainingRunner struct {
	queue     harvest.Queue
	processed *atomic.Int64
}

func (r *drainingRunner) Run(ctx context.Context) {
	for {
		_, err := r.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, harvest.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		r.processed.Add(1)
	}
}

type waitingRunner struct {
	started chan<- struct{}
}

func (r *waitingRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
}
