// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import (
	"fmt"
	"math/bits"
	"strings"
)

// ConnID identifies a client connection.
type ConnID uint32

const (
	ConnInvalid ConnID = 0
	ConnDefault ConnID = 1
)

// PoolID identifies a connection pool.
type PoolID uint32

const (
	PoolInvalid PoolID = 0
	PoolGlobal  PoolID = 1
)

// SessionFlags control cancellation behaviour of a client session.
type SessionFlags uint32

const (
	// SessionCancelable enables Session.Cancel.
	SessionCancelable SessionFlags = 1 << iota
	// SessionNoGlobalCancel makes the session immune to non-permanent
	// global cancellation.
	SessionNoGlobalCancel
)

// Valid reports whether f contains known bits only.
func (f SessionFlags) Valid() bool {
	return f&^(SessionCancelable|SessionNoGlobalCancel) == 0
}

// SessionState enumerates the client session state machine.
type SessionState int

const (
	SessionReady SessionState = iota
	SessionBusy
	SessionResult
	SessionDiscard
)

func (s SessionState) String() string {
	switch s {
	case SessionReady:
		return "ready"
	case SessionBusy:
		return "busy"
	case SessionResult:
		return "result"
	case SessionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Reserved server response codes. Neither is followed by a message.
const (
	ResponseFatal     int32 = -1
	ResponseNoService int32 = -2
)

// EventType is an IPC event type, 0..63.
type EventType uint8

const MaxEventType EventType = 63

// Types of locally generated channel state events, delivered under the
// ChannelStateService name. ChannelNotify reports the current state to a
// handler registered on an already known server.
const (
	ChannelDown EventType = iota
	ChannelUp
	ChannelNotify
)

// ChannelStateMask selects every channel state event type.
const ChannelStateMask EventMask = 1<<ChannelDown | 1<<ChannelUp | 1<<ChannelNotify

// ChannelStateService is the reserved service name of channel state events.
// It is never sent to a server.
const ChannelStateService = ""

// WildcardService is the reserved service name meaning every service.
const WildcardService = "*"

// EventMask is a bit set of EventType values.
type EventMask uint64

const EventMaskAll EventMask = ^EventMask(0)

// MaskOf builds a mask from the given types.
func MaskOf(types ...EventType) EventMask {
	var m EventMask
	for _, t := range types {
		m |= 1 << (t & 63)
	}
	return m
}

// Has reports whether t is in m.
func (m EventMask) Has(t EventType) bool { return t <= MaxEventType && m&(1<<t) != 0 }

// Count returns the number of types in m.
func (m EventMask) Count() int { return bits.OnesCount64(uint64(m)) }

// TargetSet maps service names to event masks. A nil TargetSet selects
// every event.
type TargetSet map[string]EventMask

// Add merges mask into service's entry.
func (ts TargetSet) Add(service string, mask EventMask) {
	ts[service] |= mask
}

// Match reports whether the set selects (service, t).
func (ts TargetSet) Match(service string, t EventType) bool {
	if ts == nil {
		return true
	}
	return ts[service].Has(t)
}

// Clone returns a copy; nil stays nil.
func (ts TargetSet) Clone() TargetSet {
	if ts == nil {
		return nil
	}
	cp := make(TargetSet, len(ts))
	for k, v := range ts {
		cp[k] = v
	}
	return cp
}

// DownCode tells why an event listener session lost its connection.
type DownCode uint8

const (
	DownNone DownCode = iota
	DownRefused
	DownReset
	DownHangup
	DownTimedOut
	DownError
	DownShutdown
)

func (d DownCode) String() string {
	switch d {
	case DownNone:
		return "none"
	case DownRefused:
		return "refused"
	case DownReset:
		return "reset"
	case DownHangup:
		return "hangup"
	case DownTimedOut:
		return "timedout"
	case DownError:
		return "error"
	case DownShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("down(%d)", uint8(d))
	}
}

// DownCodeOf derives a down code from a transport error.
func DownCodeOf(err error) DownCode {
	switch CodeOf(err) {
	case ErrCodeConnRefused:
		return DownRefused
	case ErrCodeConnReset:
		if IsHangup(err) {
			return DownHangup
		}
		return DownReset
	case ErrCodeTimeout:
		return DownTimedOut
	case ErrCodeShutdown:
		return DownShutdown
	default:
		return DownError
	}
}

// ValidServiceName reports whether name can be sent to a server.
func ValidServiceName(name string) bool {
	if name == "" || len(name) > 255 || name == WildcardService {
		return false
	}
	return !strings.ContainsAny(name, "@ \t\n")
}
