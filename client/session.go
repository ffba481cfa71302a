// File: client/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client session: a request/response handle bound to one connection.
//
// State machine:
//
//	Ready -> Busy -> Result -> Ready (Reset)
//	Ready|Busy -> Discard
//
// A frozen session fails its next Ready->Busy transition and ends an
// in-flight invocation that fails in Discard instead of Ready.

package client

import (
	"context"
	"sync"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/protocol"
)

// Session is safe for use by multiple goroutines, but only one invocation
// runs at a time.
type Session struct {
	rt    *Runtime
	conn  *Conn
	flags api.SessionFlags

	mu        sync.Mutex
	state     api.SessionState
	service   string
	serviceID uint32
	frozen    bool
	destroyed bool
	busy      int
	timeout   time.Duration
	canceller *Canceller
	output    *protocol.Message
	code      int32
	response  *protocol.Message
}

// NewSession creates a session on connection id for the given service.
func (rt *Runtime) NewSession(id api.ConnID, service string, serviceID uint32, flags api.SessionFlags) (*Session, error) {
	if !api.ValidServiceName(service) {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "bad service name").WithContext("service", service)
	}
	if !flags.Valid() {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown session flags").WithContext("flags", uint32(flags))
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return nil, api.ErrShutdown
	}
	c := rt.lookupLocked(id)
	if c == nil {
		return nil, api.NewError(api.ErrCodeNotFound, "unknown connection").WithContext("conn", id)
	}
	s := &Session{
		rt:        rt,
		conn:      c,
		flags:     flags,
		service:   service,
		serviceID: serviceID,
		output:    protocol.NewMessage(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	c.sessions[s] = struct{}{}
	c.refs.Add(1)
	return s, nil
}

// private reports whether the session needs its own canceller: either it
// can be canceled on its own, or it must survive global cancel rounds.
func (s *Session) private() bool {
	return s.flags&(api.SessionCancelable|api.SessionNoGlobalCancel) != 0
}

// ConnID returns the id of the owning connection.
func (s *Session) ConnID() api.ConnID { return s.conn.id }

// Flags returns the creation flags.
func (s *Session) Flags() api.SessionFlags { return s.flags }

// State returns the current state.
func (s *Session) State() api.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frozen reports whether the session was frozen by Cancel(true) or by the
// close of its connection.
func (s *Session) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Service returns the service name and id.
func (s *Session) Service() (string, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service, s.serviceID
}

// SetTimeout sets the invoke timeout: zero uses the channel default and a
// negative value disables it.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Output returns the argument message of the next invocation. It is
// emptied by every Invoke.
func (s *Session) Output() *protocol.Message { return s.output }

// ResponseCode returns the code of the last successful invocation.
func (s *Session) ResponseCode() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Response returns the response message of the last successful invocation.
func (s *Session) Response() *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// ResponseCount returns the number of response PDUs.
func (s *Session) ResponseCount() int { return s.Response().Len() }

// ResponseAt returns response PDU i.
func (s *Session) ResponseAt(i int) (protocol.Value, error) { return s.Response().At(i) }

// Invoke sends the request and waits for the response code.
func (s *Session) Invoke(ctx context.Context) (int32, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case api.SessionDiscard:
		s.output.Reset()
		s.mu.Unlock()
		return 0, api.ErrShutdown
	case api.SessionBusy:
		// The running invocation owns the output.
		s.mu.Unlock()
		return 0, api.ErrBusy
	case api.SessionResult:
		s.output.Reset()
		s.mu.Unlock()
		return 0, api.NewError(api.ErrCodeBusy, "session holds a result, reset it first")
	}
	if s.frozen {
		s.state = api.SessionDiscard
		s.output.Reset()
		s.mu.Unlock()
		return 0, api.ErrShutdown
	}
	s.state = api.SessionBusy
	s.busy++
	hdr := protocol.InvokeHeader{Service: s.service, ServiceID: s.serviceID}
	timeout := s.timeout
	s.mu.Unlock()

	code, msg, err := s.invoke(ctx, hdr, timeout)
	s.output.Reset()

	s.mu.Lock()
	s.busy--
	switch {
	case err == nil:
		s.state = api.SessionResult
		s.code = code
		s.response = msg
	case s.frozen:
		s.state = api.SessionDiscard
	default:
		s.state = api.SessionReady
	}
	discarded := s.state == api.SessionDiscard
	s.mu.Unlock()

	if discarded {
		s.rt.log.Info().Str("service", hdr.Service).Err(err).Msg("session discarded")
	}
	return code, err
}

func (s *Session) invoke(ctx context.Context, hdr protocol.InvokeHeader, timeout time.Duration) (int32, *protocol.Message, error) {
	canc, err := s.rt.acquireCanceller(s)
	if err != nil {
		return 0, nil, err
	}
	defer canc.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	op := &invokeOp{ctx: ctx, canc: canc, abort: cancel}
	if timeout == 0 {
		timeout = s.conn.channel.timeout
	}
	if timeout > 0 {
		op.deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (op.deadline.IsZero() || d.Before(op.deadline)) {
		op.deadline = d
	}
	return s.conn.call(s, op, hdr, s.output)
}

// Reset rebinds a Ready or Result session to another service and clears
// the buffered request and response.
func (s *Session) Reset(service string, serviceID uint32) error {
	if !api.ValidServiceName(service) {
		return api.NewError(api.ErrCodeInvalidArgument, "bad service name").WithContext("service", service)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == api.SessionDiscard || s.frozen:
		return api.ErrShutdown
	case s.state == api.SessionBusy || s.busy != 0:
		return api.ErrBusy
	}
	s.service = service
	s.serviceID = serviceID
	s.state = api.SessionReady
	s.output.Reset()
	s.response = nil
	s.code = 0
	return nil
}

// Cancel wakes an invocation blocked on behalf of the session. The session
// must have been created with api.SessionCancelable. With discard set the
// session is frozen as well.
func (s *Session) Cancel(discard bool) error {
	if s.flags&api.SessionCancelable == 0 {
		return api.NewError(api.ErrCodePermission, "session is not cancelable")
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return api.ErrShutdown
	}
	// The canceller may already be gone if a global cancel round took it.
	c := s.canceller
	s.canceller = nil
	if discard {
		s.frozen = true
	}
	busy := s.state == api.SessionBusy
	service := s.service
	s.mu.Unlock()

	if c != nil {
		s.rt.log.Info().Str("service", service).Bool("discard", discard).Bool("busy", busy).Msg("session canceled")
		c.Notify()
		c.release()
	}
	return nil
}

// Destroy unbinds the session from its connection.
func (s *Session) Destroy() error {
	rt := s.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	if s.busy != 0 {
		s.mu.Unlock()
		return api.ErrBusy
	}
	s.destroyed = true
	s.state = api.SessionDiscard
	c := s.canceller
	s.canceller = nil
	s.mu.Unlock()

	conn := s.conn
	conn.mu.Lock()
	delete(conn.sessions, s)
	conn.mu.Unlock()
	if c != nil {
		c.release()
	}
	rt.releaseConnLocked(conn)
	return nil
}

func (s *Session) freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// takeCancellerLocked detaches the private canceller for a global cancel
// round. s.mu is held.
func (s *Session) takeCancellerLocked(permanent bool) *Canceller {
	if s.canceller == nil {
		return nil
	}
	if !permanent && s.flags&api.SessionNoGlobalCancel != 0 {
		return nil
	}
	c := s.canceller
	s.canceller = nil
	return c
}
