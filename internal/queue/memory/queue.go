// Package memory provides the in-process target queue of a job run.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// Queue is a FIFO of the tasks known when a run starts. Each task is
// delivered to exactly one consumer; once drained, consumers get
// harvest.ErrQueueClosed.
type Queue struct {
	mu    sync.Mutex
	tasks []harvest.Task
}

var _ harvest.Queue = (*Queue)(nil)

// Fill returns a queue holding one task per target, in order.
func Fill(jobID string, targets []harvest.Target) *Queue {
	tasks := make([]harvest.Task, len(targets))
	for i, t := range targets {
		tasks[i] = harvest.Task{JobID: jobID, Target: t}
	}
	return &Queue{tasks: tasks}
}

// Dequeue pops the oldest task.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Task, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Task{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return harvest.Task{}, harvest.ErrQueueClosed
	}
	task := q.tasks[0]
	q.tasks[0] = harvest.Task{}
	q.tasks = q.tasks[1:]
	return task, nil
}
