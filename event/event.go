// File: event/event.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event objects delivered to handlers.

package event

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/protocol"
)

// Ops observes the life cycle of event objects. Bindings that hand events
// to another runtime use it to pin and unpin their own wrappers.
type Ops interface {
	// Created is called once per event before any handler sees it.
	Created(ev *Event)
	// Released is called when the last reference is dropped.
	Released(ev *Event)
}

type nopOps struct{}

func (nopOps) Created(*Event)  {}
func (nopOps) Released(*Event) {}

// Event is immutable except for its reference count.
type Event struct {
	ops     Ops
	serial  uint32
	typ     api.EventType
	channel string
	host    string
	service string
	time    time.Time
	payload *protocol.Message
	down    api.DownCode
	up      bool
	refs    atomic.Int32
}

func newEvent(ops Ops, channel, host string, f *protocol.EventFrame) *Event {
	ev := &Event{
		ops:     ops,
		serial:  f.Serial,
		typ:     f.Type,
		channel: channel,
		host:    host,
		service: f.Service,
		time:    f.Time,
		payload: f.Payload,
		up:      true,
	}
	ev.refs.Store(1)
	ops.Created(ev)
	return ev
}

func newStateEvent(ops Ops, channel, host string, typ api.EventType, up bool, down api.DownCode) *Event {
	ev := &Event{
		ops:     ops,
		typ:     typ,
		channel: channel,
		host:    host,
		service: api.ChannelStateService,
		time:    time.Now(),
		down:    down,
		up:      up,
	}
	ev.refs.Store(1)
	ops.Created(ev)
	return ev
}

// Serial returns the server-assigned serial number.
func (e *Event) Serial() uint32 { return e.serial }

// Type returns the event type.
func (e *Event) Type() api.EventType { return e.typ }

// Channel returns the channel name.
func (e *Event) Channel() string { return e.channel }

// Host returns the server host, empty for the local server.
func (e *Event) Host() string { return e.host }

// Service returns the service name that raised the event.
func (e *Event) Service() string { return e.service }

// Time returns the event timestamp.
func (e *Event) Time() time.Time { return e.time }

// Payload returns the event data, nil for channel state events.
func (e *Event) Payload() *protocol.Message { return e.payload }

// IsChannelState reports whether e was generated locally to report the
// state of the listener connection.
func (e *Event) IsChannelState() bool { return e.service == api.ChannelStateService }

// Up reports the connection state carried by a channel state event.
func (e *Event) Up() bool { return e.up }

// DownCode tells why the connection went down.
func (e *Event) DownCode() api.DownCode { return e.down }

// Hold takes a reference, keeping e alive after the handler returns.
func (e *Event) Hold() *Event {
	e.refs.Add(1)
	return e
}

// Release drops a reference taken by Hold.
func (e *Event) Release() {
	if e.refs.Add(-1) == 0 {
		e.ops.Released(e)
	}
}
