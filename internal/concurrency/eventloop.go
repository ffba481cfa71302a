// File: internal/concurrency/eventloop.go
// Package concurrency implements the single-consumer dispatch queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// DispatchQueue serializes calls into user code: producers append under the
// queue lock, one consumer goroutine delivers entries in FIFO order.

package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Entry is one queued delivery.
type Entry interface {
	// Deliver runs on the consumer goroutine.
	Deliver()
	// Discard releases an entry dropped without delivery.
	Discard()
}

// DispatchQueue is a FIFO with exactly one consumer.
type DispatchQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *queue.Queue
	closed  bool
	running bool

	delivered atomic.Int64
	discarded atomic.Int64
}

// NewDispatchQueue creates an empty queue.
func NewDispatchQueue() *DispatchQueue {
	d := &DispatchQueue{queue: queue.New()}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Post appends e. After Shutdown the entry is discarded immediately.
func (d *DispatchQueue) Post(e Entry) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.discarded.Add(1)
		e.Discard()
		return ErrExecutorClosed
	}
	d.queue.Add(e)
	d.cond.Signal()
	d.mu.Unlock()
	return nil
}

// Pending returns the number of queued entries.
func (d *DispatchQueue) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Length()
}

// Run is the consumer loop. It returns after Shutdown, discarding whatever
// is still queued.
func (d *DispatchQueue) Run() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrExecutorClosed
	}
	d.running = true
	for {
		for d.queue.Length() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			rest := d.drainLocked()
			d.mu.Unlock()
			for _, e := range rest {
				d.discarded.Add(1)
				e.Discard()
			}
			return nil
		}
		e := d.queue.Remove().(Entry)
		d.mu.Unlock()

		d.deliver(e)

		d.mu.Lock()
	}
}

func (d *DispatchQueue) drainLocked() []Entry {
	rest := make([]Entry, 0, d.queue.Length())
	for d.queue.Length() > 0 {
		rest = append(rest, d.queue.Remove().(Entry))
	}
	return rest
}

func (d *DispatchQueue) deliver(e Entry) {
	defer func() {
		_ = recover()
		d.delivered.Add(1)
	}()
	e.Deliver()
}

// Shutdown stops the consumer. Entries not yet delivered are discarded;
// if no consumer runs, they are discarded here.
func (d *DispatchQueue) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var rest []Entry
	if !d.running {
		rest = d.drainLocked()
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	for _, e := range rest {
		d.discarded.Add(1)
		e.Discard()
	}
}

// Stats returns delivery counters.
func (d *DispatchQueue) Stats() map[string]int64 {
	return map[string]int64{
		"pending":   int64(d.Pending()),
		"delivered": d.delivered.Load(),
		"discarded": d.discarded.Load(),
	}
}
