// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral reactor loop and timeout queue.

package reactor

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// Events is a set of readiness conditions.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventError
	EventHangup
)

// Callback receives readiness for a registered descriptor. Registrations
// are one-shot: no further events arrive until Rearm is called.
type Callback func(fd int, ev Events)

var (
	ErrClosed        = errors.New("reactor: closed")
	ErrRegistered    = errors.New("reactor: fd already registered")
	ErrNotRegistered = errors.New("reactor: fd not registered")
)

// pollEvent is one readiness record reported by a poller.
type pollEvent struct {
	fd int
	ev Events
}

// poller is the OS-specific multiplexer.
type poller interface {
	add(fd int) error
	rearm(fd int) error
	del(fd int) error
	wait(events []pollEvent, timeoutMs int) (int, error)
	isWake(fd int) bool
	wake() error
	drain()
	close() error
}

// Timer is a pending timeout.
type Timer struct {
	r        *Reactor
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

// Deadline returns the absolute expiry time.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	r := t.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&r.timers, t.index)
	t.index = -1
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Reactor multiplexes descriptor readiness and timeouts on one goroutine.
type Reactor struct {
	mu        sync.Mutex
	p         poller
	fds       map[int]Callback
	timers    timerHeap
	seq       uint64
	maxEvents int
	done      bool
	running   bool
	exited    chan struct{}
}

// New creates a reactor whose wait buffer holds maxEvents records.
func New(maxEvents int) (*Reactor, error) {
	if maxEvents <= 0 {
		maxEvents = 16
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Reactor{
		p:         p,
		fds:       make(map[int]Callback),
		maxEvents: maxEvents,
		exited:    make(chan struct{}),
	}, nil
}

// Register watches fd for input with one-shot semantics.
func (r *Reactor) Register(fd int, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrClosed
	}
	if _, ok := r.fds[fd]; ok {
		return ErrRegistered
	}
	if err := r.p.add(fd); err != nil {
		return err
	}
	r.fds[fd] = cb
	return nil
}

// Rearm re-enables a one-shot registration after input was drained.
func (r *Reactor) Rearm(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fds[fd]; !ok {
		return ErrNotRegistered
	}
	return r.p.rearm(fd)
}

// Unregister stops watching fd. A callback already picked up by the loop may
// still run once after Unregister returns.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fds[fd]; !ok {
		return ErrNotRegistered
	}
	delete(r.fds, fd)
	return r.p.del(fd)
}

// Registered returns the number of watched descriptors.
func (r *Reactor) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fds)
}

// Schedule runs fn on the reactor goroutine at deadline.
func (r *Reactor) Schedule(deadline time.Time, fn func()) (*Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, ErrClosed
	}
	r.seq++
	t := &Timer{r: r, deadline: deadline, seq: r.seq, fn: fn, index: -1}
	heap.Push(&r.timers, t)
	if t.index == 0 {
		// New earliest deadline; the loop must recompute its wait.
		_ = r.p.wake()
	}
	return t, nil
}

// AfterFunc runs fn on the reactor goroutine after d.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) (*Timer, error) {
	return r.Schedule(time.Now().Add(d), fn)
}

// Pending returns the number of armed timers.
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Run drives the loop until Shutdown. It returns ErrClosed if Shutdown
// came first.
func (r *Reactor) Run() error {
	r.mu.Lock()
	if r.running || r.done {
		r.mu.Unlock()
		return ErrClosed
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.exited)

	events := make([]pollEvent, r.maxEvents+1)
	for {
		expired, timeout, done := r.collect()
		if done {
			return nil
		}
		if len(expired) > 0 {
			for _, t := range expired {
				safeCall(t.fn)
			}
			continue
		}

		n, err := r.p.wait(events, timeout)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			fd := events[i].fd
			if r.p.isWake(fd) {
				r.p.drain()
				continue
			}
			r.mu.Lock()
			cb, ok := r.fds[fd]
			r.mu.Unlock()
			if ok {
				ev := events[i].ev
				safeCall(func() { cb(fd, ev) })
			}
		}
	}
}

// collect pops expired timers and computes the next wait timeout.
func (r *Reactor) collect() ([]*Timer, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, 0, true
	}
	now := time.Now()
	var expired []*Timer
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		expired = append(expired, heap.Pop(&r.timers).(*Timer))
	}
	timeout := -1
	if len(r.timers) > 0 {
		d := r.timers[0].deadline.Sub(now)
		timeout = int((d + time.Millisecond - 1) / time.Millisecond)
	}
	return expired, timeout, false
}

// Shutdown stops the loop and discards every pending timer, whether or not
// Run has started. It returns immediately; use Wait to block until the loop
// goroutine is gone.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	for len(r.timers) > 0 {
		heap.Pop(&r.timers)
	}
	_ = r.p.wake()
}

// Wait blocks until Run has returned. It returns at once if Run never started.
func (r *Reactor) Wait() {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if running {
		<-r.exited
	}
}

// Close releases the poller. Call after Run has returned.
func (r *Reactor) Close() error {
	r.mu.Lock()
	r.done = true
	r.fds = make(map[int]Callback)
	r.mu.Unlock()
	return r.p.close()
}

// safeCall keeps the loop alive across callback panics.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
