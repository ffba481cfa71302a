// File: event/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event handler registry: per-channel handler lists ordered by priority,
// and the dispatch entries queued for the single consumer.

package event

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-ipc/api"
)

// HandlerID identifies a registered handler.
type HandlerID uint32

// HandlerFunc receives events. It runs on the dispatch goroutine, one call
// at a time across the whole system.
type HandlerFunc func(ev *Event, arg any)

// HandlerAttr holds optional handler attributes.
type HandlerAttr struct {
	// Priority orders handlers of a channel; lower runs first.
	Priority uint32
	// HostSet names the host set whose servers the handler listens to.
	// Empty selects the local server only.
	HostSet string
	// Target selects events. Nil selects every event, including channel
	// state events.
	Target api.TargetSet
	// Log enables a log line per delivery.
	Log bool
	// Arg is passed to every call.
	Arg any
	// ArgDestructor runs once the handler is removed and no delivery
	// refers to it any more.
	ArgDestructor func(arg any)
}

type handler struct {
	id       HandlerID
	priority uint32
	ch       *channel
	hs       *hostSet
	target   api.TargetSet
	fn       HandlerFunc
	arg      any
	log      bool
	dtor     func(any)

	hosts map[string]struct{} // guarded by channel.mu

	refs    atomic.Int32
	removed atomic.Bool
	active  atomic.Bool
}

func (h *handler) wildcard() bool { return h.target == nil }

func (h *handler) hold() { h.refs.Add(1) }

func (h *handler) release() {
	if h.refs.Add(-1) == 0 && h.dtor != nil {
		h.dtor(h.arg)
	}
}

// serverTarget returns the part of the target set a server must forward.
func (h *handler) serverTarget() api.TargetSet {
	if h.wildcard() {
		return api.TargetSet{api.WildcardService: api.EventMaskAll}
	}
	ts := make(api.TargetSet, len(h.target))
	for svc, m := range h.target {
		if svc != api.ChannelStateService && m != 0 {
			ts[svc] = m
		}
	}
	return ts
}

// channel groups the handlers and listener sessions of one channel name.
type channel struct {
	name string

	mu        sync.Mutex
	handlers  []*handler
	listeners map[string]*listener
}

func newChannel(name string) *channel {
	return &channel{name: name, listeners: make(map[string]*listener)}
}

// insertLocked places h after every handler of equal or lower priority.
func (c *channel) insertLocked(h *handler) {
	i := sort.Search(len(c.handlers), func(i int) bool {
		return c.handlers[i].priority > h.priority
	})
	c.handlers = append(c.handlers, nil)
	copy(c.handlers[i+1:], c.handlers[i:])
	c.handlers[i] = h
}

func (c *channel) removeLocked(h *handler) {
	for i, x := range c.handlers {
		if x == h {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

// targetLocked recomputes the server target of host from the handlers
// still linked to it.
func (c *channel) targetLocked(host string) api.TargetSet {
	ts := api.TargetSet{}
	for _, h := range c.handlers {
		if _, ok := h.hosts[host]; !ok {
			continue
		}
		for svc, m := range h.serverTarget() {
			ts.Add(svc, m)
		}
	}
	return ts
}

// delivery is one (handler, event) pair waiting on the dispatch queue.
type delivery struct {
	sys *System
	h   *handler
	ev  *Event
}

func (d *delivery) Deliver() {
	defer d.Discard()
	if d.h.removed.Load() {
		return
	}
	d.h.active.Store(true)
	defer d.h.active.Store(false)
	if d.h.log {
		d.sys.log.Info().Uint32("handler", uint32(d.h.id)).Str("channel", d.ev.channel).
			Str("host", d.ev.host).Str("service", d.ev.service).Uint8("type", uint8(d.ev.typ)).
			Msg("delivering event")
	}
	d.h.fn(d.ev, d.h.arg)
}

func (d *delivery) Discard() {
	d.ev.Release()
	d.h.release()
}
