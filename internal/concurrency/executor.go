// File: internal/concurrency/executor.go
// Package concurrency implements the bounded task queue of the event subsystem.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TaskQueue dispatches tasks across lazily spawned worker goroutines. A task
// already waiting in the queue is never queued twice; idle workers exit after
// the configured idle timeout.

package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// ErrExecutorClosed is returned by Post after Close.
var ErrExecutorClosed = errors.New("concurrency: executor closed")

// Task is a unit of work. Implementations are compared by identity for
// queue deduplication, so they must be comparable (pointer receivers).
type Task interface {
	Run()
}

// TaskQueue manages a soft-capped pool of worker goroutines.
type TaskQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       *queue.Queue
	pending     map[Task]struct{}
	maxWorkers  int
	workers     int
	idle        int
	idleTimeout time.Duration
	closed      bool
	wg          sync.WaitGroup

	// statistics
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	spawned        atomic.Int64
}

// NewTaskQueue creates a queue running at most maxWorkers tasks at once.
// If maxWorkers <= 0, defaults to 1.
func NewTaskQueue(maxWorkers int, idleTimeout time.Duration) *TaskQueue {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Second
	}
	tq := &TaskQueue{
		queue:       queue.New(),
		pending:     make(map[Task]struct{}),
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
	}
	tq.cond = sync.NewCond(&tq.mu)
	return tq
}

// Post enqueues t unless it is already waiting.
func (tq *TaskQueue) Post(t Task) error {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if tq.closed {
		return ErrExecutorClosed
	}
	if _, ok := tq.pending[t]; ok {
		return nil
	}
	tq.pending[t] = struct{}{}
	tq.queue.Add(t)
	tq.totalTasks.Add(1)

	if tq.idle > 0 {
		tq.cond.Signal()
	}
	if tq.queue.Length() > tq.idle && tq.workers < tq.maxWorkers {
		tq.workers++
		tq.spawned.Add(1)
		tq.wg.Add(1)
		go tq.worker()
	}
	return nil
}

// Queued reports whether t is waiting to run.
func (tq *TaskQueue) Queued(t Task) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	_, ok := tq.pending[t]
	return ok
}

// NumWorkers returns the current number of worker goroutines.
func (tq *TaskQueue) NumWorkers() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.workers
}

// Close discards queued tasks and waits for running ones to finish. It must
// not be called from a task.
func (tq *TaskQueue) Close() {
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		tq.wg.Wait()
		return
	}
	tq.closed = true
	for tq.queue.Length() > 0 {
		tq.queue.Remove()
	}
	tq.pending = make(map[Task]struct{})
	tq.cond.Broadcast()
	tq.mu.Unlock()
	tq.wg.Wait()
}

// Stats returns basic executor metrics.
func (tq *TaskQueue) Stats() map[string]int64 {
	tq.mu.Lock()
	workers, idle, queued := tq.workers, tq.idle, tq.queue.Length()
	tq.mu.Unlock()
	return map[string]int64{
		"total_tasks":     tq.totalTasks.Load(),
		"completed_tasks": tq.completedTasks.Load(),
		"queued_tasks":    int64(queued),
		"num_workers":     int64(workers),
		"idle_workers":    int64(idle),
		"spawned_workers": tq.spawned.Load(),
	}
}

// worker is the main loop of one executor goroutine.
func (tq *TaskQueue) worker() {
	defer tq.wg.Done()
	tq.mu.Lock()
	for {
		expired := false
		for tq.queue.Length() == 0 && !tq.closed {
			if expired {
				tq.workers--
				tq.mu.Unlock()
				return
			}
			tq.idle++
			timer := time.AfterFunc(tq.idleTimeout, func() {
				tq.mu.Lock()
				expired = true
				tq.cond.Broadcast()
				tq.mu.Unlock()
			})
			tq.cond.Wait()
			timer.Stop()
			tq.idle--
		}
		if tq.closed {
			tq.workers--
			tq.mu.Unlock()
			return
		}
		t := tq.queue.Remove().(Task)
		delete(tq.pending, t)
		tq.mu.Unlock()

		tq.execute(t)

		tq.mu.Lock()
	}
}

// execute runs the task, recovering from panics.
func (tq *TaskQueue) execute(t Task) {
	defer func() {
		_ = recover()
		tq.completedTasks.Add(1)
	}()
	t.Run()
}
