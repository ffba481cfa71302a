// File: client/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection: one logical link to an IPC server. At most one session owns
// the stream at a time; the others wait on the connection condition.

package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/protocol"
)

// pastDeadline aborts blocking socket I/O when applied as a deadline.
var pastDeadline = time.Unix(1, 0)

var errConnClosed = api.NewError(api.ErrCodeShutdown, "connection closed")

// invokeOp carries the cancellation sources of one blocking operation.
// The absolute deadline is computed once and passed down unchanged.
type invokeOp struct {
	ctx      context.Context
	canc     *Canceller
	deadline time.Time
	abort    context.CancelFunc
}

// check returns the terminal condition of op, if any.
func (op *invokeOp) check() error {
	if op.canc != nil && !op.canc.Active() {
		return api.NewError(api.ErrCodeCanceled, "operation canceled").WithContext("canceller", op.canc.Kind().String())
	}
	if err := op.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return api.Wrap(api.ErrCodeTimeout, "operation timeout", err)
		}
		return api.Wrap(api.ErrCodeCanceled, "operation canceled", err)
	}
	if !op.deadline.IsZero() && !time.Now().Before(op.deadline) {
		return api.ErrTimeout
	}
	return nil
}

// watch runs fn when op is canceled or its deadline passes.
func (op *invokeOp) watch(fn func()) (stop func()) {
	var stopCanc func() bool
	if op.canc != nil {
		stopCanc = op.canc.AfterFunc(fn)
	}
	stopCtx := context.AfterFunc(op.ctx, fn)
	var t *time.Timer
	if !op.deadline.IsZero() {
		t = time.AfterFunc(time.Until(op.deadline), fn)
	}
	return func() {
		if stopCanc != nil {
			stopCanc()
		}
		stopCtx()
		if t != nil {
			t.Stop()
		}
	}
}

// Conn is a client connection.
type Conn struct {
	rt   *Runtime
	id   api.ConnID
	refs atomic.Int32

	mu        sync.Mutex
	cond      *sync.Cond
	addr      Address
	channel   *Channel
	stream    *protocol.Stream
	current   *Session
	canceller *Canceller
	abortCur  context.CancelFunc
	sessions  map[*Session]struct{}
	closed    bool

	// Guarded by Runtime.mu.
	dead  bool
	pool  *Pool
	entry *poolEntry

	active   atomic.Int32
	peak     atomic.Int32
	invokes  atomic.Int64
	connects atomic.Int64
	stale    atomic.Int64
}

func newConn(rt *Runtime, addr Address) *Conn {
	c := &Conn{
		rt:       rt,
		addr:     addr,
		channel:  rt.channels.acquire(addr.Channel),
		sessions: make(map[*Session]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.refs.Store(1)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() api.ConnID { return c.id }

func (c *Conn) wake() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Conn) numSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// acquire waits until the stream is free and makes s current. c.mu is held.
func (c *Conn) acquire(s *Session, op *invokeOp) error {
	var stop func()
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	for {
		// Both the connection and the cancellation state may have changed
		// while waiting.
		if err := op.check(); err != nil {
			return err
		}
		if c.closed {
			return errConnClosed
		}
		if c.current == nil {
			break
		}
		if stop == nil {
			stop = op.watch(c.wake)
		}
		c.cond.Wait()
	}
	c.current = s
	c.canceller = op.canc
	c.abortCur = op.abort
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

func (c *Conn) releaseCurrent(s *Session) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
		c.canceller = nil
		c.abortCur = nil
		c.active.Add(-1)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// call runs one request/response exchange on behalf of s.
func (c *Conn) call(s *Session, op *invokeOp, hdr protocol.InvokeHeader, args *protocol.Message) (int32, *protocol.Message, error) {
	c.mu.Lock()
	if err := c.acquire(s, op); err != nil {
		c.mu.Unlock()
		return 0, nil, err
	}
	st := c.stream
	addr, ch := c.addr, c.channel
	c.mu.Unlock()
	defer c.releaseCurrent(s)

	if st != nil {
		if err := c.ping(st, op); err != nil {
			c.discardStream(st)
			if cerr := op.check(); cerr != nil {
				return 0, nil, cerr
			}
			c.stale.Add(1)
			c.rt.log.Debug().Str("address", addr.String()).Err(err).Msg("cached connection is stale")
			st = nil
		}
	}
	if st == nil {
		var err error
		st, err = c.rt.connect(op, addr, ch)
		if err != nil {
			return 0, nil, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = st.Close()
			return 0, nil, errConnClosed
		}
		c.stream = st
		c.mu.Unlock()
		c.connects.Add(1)
	}

	c.invokes.Add(1)
	code, msg, err := c.exchange(st, op, hdr, args)
	if err != nil {
		// A missing service leaves the transport intact.
		if !errors.Is(err, api.ErrNotImplemented) {
			c.discardStream(st)
		}
		return code, nil, err
	}
	return code, msg, nil
}

func (c *Conn) ping(st *protocol.Stream, op *invokeOp) error {
	ts := uint32(time.Now().UnixNano() / int64(time.Microsecond))
	return withIO(st, op, "ping", func() error {
		if err := protocol.WritePing(st, ts); err != nil {
			return err
		}
		echo, err := st.ReadUint32()
		if err != nil {
			return err
		}
		if echo != ts {
			return api.NewError(api.ErrCodeProtocol, "ping echo mismatch").WithContext("sent", ts).WithContext("echo", echo)
		}
		return nil
	})
}

func (c *Conn) exchange(st *protocol.Stream, op *invokeOp, hdr protocol.InvokeHeader, args *protocol.Message) (int32, *protocol.Message, error) {
	var (
		code int32
		msg  *protocol.Message
	)
	err := withIO(st, op, "invoke", func() error {
		if err := protocol.WriteInvoke(st, hdr, args); err != nil {
			return err
		}
		var err error
		code, msg, err = protocol.ReadResponse(st)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	switch code {
	case api.ResponseNoService:
		return code, nil, api.NewError(api.ErrCodeNotImplemented, "service not implemented").WithContext("service", hdr.Service)
	case api.ResponseFatal:
		return code, nil, api.NewError(api.ErrCodeProtocol, "server failed the request").WithContext("service", hdr.Service)
	}
	return code, msg, nil
}

// withIO runs fn with the stream deadline bound to op. Cancellation forces
// the deadline into the past so blocked reads and writes return at once.
func withIO(st *protocol.Stream, op *invokeOp, what string, fn func() error) error {
	nc := st.Conn()
	if err := nc.SetDeadline(op.deadline); err != nil {
		return api.FromSyscall(what, err)
	}
	stop := op.watch(func() { _ = nc.SetDeadline(pastDeadline) })
	err := fn()
	stop()
	if err == nil {
		_ = nc.SetDeadline(time.Time{})
		return nil
	}
	if cerr := op.check(); cerr != nil {
		return cerr
	}
	return api.FromSyscall(what, err)
}

// discardStream drops st if it is still the cached stream.
func (c *Conn) discardStream(st *protocol.Stream) {
	c.mu.Lock()
	if c.stream == st {
		c.stream = nil
	}
	c.mu.Unlock()
	_ = st.Close()
}

// dropStream closes the cached stream, if any, keeping the connection usable.
func (c *Conn) dropStream() {
	c.mu.Lock()
	st := c.stream
	c.stream = nil
	c.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
}

// shutdown closes the connection for good. Bound sessions are frozen, not
// destroyed; an in-flight exchange fails when its socket closes.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	st := c.stream
	c.stream = nil
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
	for _, s := range sessions {
		s.freeze()
	}
}

// abort fails the in-flight exchange, if any, with api.ErrCanceled.
func (c *Conn) abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.abortCur == nil {
		return false
	}
	c.abortCur()
	return true
}

// destroy releases what the connection holds. Runtime.mu is held for
// writing and no session is bound.
func (c *Conn) destroy() {
	c.mu.Lock()
	st := c.stream
	c.stream = nil
	c.closed = true
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
	c.rt.channels.release(ch)
}

// ConnStats is a point-in-time view of a connection.
type ConnStats struct {
	ID         api.ConnID
	Address    string
	Connected  bool
	Closed     bool
	Pooled     bool
	Sessions   int
	Invokes    int64
	Connects   int64
	Stale      int64
	PeakActive int32
}

func (c *Conn) stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		ID:         c.id,
		Address:    c.addr.String(),
		Connected:  c.stream != nil,
		Closed:     c.closed,
		Pooled:     c.pool != nil,
		Sessions:   len(c.sessions),
		Invokes:    c.invokes.Load(),
		Connects:   c.connects.Load(),
		Stale:      c.stale.Load(),
		PeakActive: c.peak.Load(),
	}
}
