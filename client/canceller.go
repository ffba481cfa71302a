// File: client/canceller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative cancellation tokens shared by in-flight invocations.

package client

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-ipc/api"
)

// CancellerKind discriminates the two canceller variants.
type CancellerKind uint8

const (
	// CancellerGlobal is shared by every session without private
	// cancellation and is replaced on each global cancel round.
	CancellerGlobal CancellerKind = iota
	// CancellerSession belongs to exactly one session.
	CancellerSession
)

func (k CancellerKind) String() string {
	if k == CancellerSession {
		return "session"
	}
	return "global"
}

// Canceller is a level-triggered cancellation signal. Once notified it
// stays notified; waiters observe it through Done, Test or AfterFunc.
type Canceller struct {
	kind  CancellerKind
	owner *Session
	refs  atomic.Int32

	mu       sync.Mutex
	done     chan struct{}
	notified bool
	watchers map[uint64]func()
	seq      uint64
}

func newCanceller(kind CancellerKind, owner *Session) *Canceller {
	c := &Canceller{
		kind:     kind,
		owner:    owner,
		done:     make(chan struct{}),
		watchers: make(map[uint64]func()),
	}
	c.refs.Store(1)
	return c
}

// Kind returns the canceller variant.
func (c *Canceller) Kind() CancellerKind { return c.kind }

// Done is closed on notification.
func (c *Canceller) Done() <-chan struct{} { return c.done }

// Active reports whether the canceller has not been notified yet.
func (c *Canceller) Active() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Test returns api.ErrCanceled once the canceller was notified.
func (c *Canceller) Test() error {
	if c.Active() {
		return nil
	}
	return api.ErrCanceled
}

// Notify fires the canceller. Only the first call has an effect; watchers
// run synchronously on the calling goroutine.
func (c *Canceller) Notify() bool {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return false
	}
	c.notified = true
	close(c.done)
	fns := make([]func(), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchers = nil
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

// AfterFunc arranges for fn to run when the canceller fires. If it already
// fired, fn runs on a new goroutine so that callers holding locks fn needs
// do not deadlock. The returned stop function reports whether it removed a
// pending fn.
func (c *Canceller) AfterFunc(fn func()) (stop func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notified {
		go fn()
		return func() bool { return false }
	}
	if c.watchers == nil {
		c.watchers = make(map[uint64]func())
	}
	c.seq++
	id := c.seq
	c.watchers[id] = fn
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[id]; !ok {
			return false
		}
		delete(c.watchers, id)
		return true
	}
}

func (c *Canceller) ref() *Canceller {
	c.refs.Add(1)
	return c
}

// release drops one reference. The last one discards pending watchers.
func (c *Canceller) release() {
	if c.refs.Add(-1) != 0 {
		return
	}
	c.mu.Lock()
	c.watchers = nil
	c.mu.Unlock()
}

// Refs returns the current reference count.
func (c *Canceller) Refs() int { return int(c.refs.Load()) }
