// Package executor runs tasks on a fixed set of goroutines fed from a bounded
// queue.
package executor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Executor struct {
	name string

	mu      sync.Mutex
	stopped bool
	queue   chan func()
	dropped atomic.Bool

	eg errgroup.Group
}

// New starts workers goroutines. Up to queueSize tasks may wait for a free
// worker; with queueSize 0 a task is only accepted by an idle worker.
func New(name string, workers, queueSize int) *Executor {
	e := &Executor{
		name:  name,
		queue: make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		e.eg.Go(func() error {
			for task := range e.queue {
				if e.dropped.Load() {
					continue
				}
				task()
			}
			return nil
		})
	}
	return e
}

func (e *Executor) Name() string {
	return e.name
}

// Execute queues task. It returns false without running it when the queue is
// full or the executor is stopped.
func (e *Executor) Execute(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	select {
	case e.queue <- task:
		return true
	default:
		return false
	}
}

// Pending is the number of tasks waiting for a worker.
func (e *Executor) Pending() int {
	return len(e.queue)
}

// Stop rejects new tasks and waits for the workers to exit. Queued tasks still
// run unless dropQueued is set, in which case only the running ones finish.
func (e *Executor) Stop(dropQueued bool) {
	e.mu.Lock()
	if dropQueued {
		e.dropped.Store(true)
	}
	if !e.stopped {
		e.stopped = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.eg.Wait()
}
