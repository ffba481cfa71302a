// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-process IPC server speaking the wire protocol. It answers PING and
// INVOKE requests from registered services and accepts event listeners,
// recording their subscription masks. Tests and the CLI demo drive it.

package fake

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/logger"
	"github.com/momentics/hioload-ipc/protocol"
)

// Service answers one request. A nil reply is sent as an empty message.
type Service func(ctx context.Context, id uint32, args *protocol.Message) (int32, *protocol.Message)

// MaskRecord is one mask frame received from an event listener.
type MaskRecord struct {
	Listener int
	Cmd      byte
	Entries  []protocol.MaskEntry
}

// Option configures a Server.
type Option func(*Server)

// WithOrder sets the byte order the server writes in.
func WithOrder(o binary.ByteOrder) Option {
	return func(s *Server) { s.order = o }
}

// WithLogger sets the server logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l.With("component", "fake-server") }
}

// Server is safe for concurrent use.
type Server struct {
	ln     net.Listener
	log    *logger.Logger
	order  binary.ByteOrder
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	magic       atomic.Uint32
	corruptPing atomic.Bool
	accepts     atomic.Int64
	pings       atomic.Int64
	invokes     atomic.Int64

	mu        sync.Mutex
	closed    bool
	services  map[string]Service
	conns     map[net.Conn]struct{}
	listeners map[*eventConn]struct{}
	nextLn    int
	masks     []MaskRecord
	serial    uint32
}

type eventConn struct {
	id     int
	st     *protocol.Stream
	wmu    sync.Mutex
	target api.TargetSet // guarded by Server.mu
}

// Listen starts a server on a UNIX socket at path.
func Listen(path string, opts ...Option) (*Server, error) {
	return listen("unix", path, opts...)
}

// ListenTCP starts a server on a TCP address such as "127.0.0.1:0".
func ListenTCP(addr string, opts ...Option) (*Server, error) {
	return listen("tcp", addr, opts...)
}

func listen(network, addr string, opts ...Option) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:        ln,
		log:       logger.Nop(),
		order:     protocol.NativeOrder,
		ctx:       ctx,
		cancel:    cancel,
		services:  make(map[string]Service),
		conns:     make(map[net.Conn]struct{}),
		listeners: make(map[*eventConn]struct{}),
	}
	s.magic.Store(protocol.ProtoMagic)
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address: the socket path or host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Handle registers fn under name, replacing any previous service.
func (s *Server) Handle(name string, fn Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = fn
}

// SetMagic changes the handshake magic answered to new connections.
func (s *Server) SetMagic(magic byte) { s.magic.Store(uint32(magic)) }

// SetCorruptPing makes PING echo a different timestamp.
func (s *Server) SetCorruptPing(on bool) { s.corruptPing.Store(on) }

// Accepts returns the number of accepted connections.
func (s *Server) Accepts() int64 { return s.accepts.Load() }

// Pings returns the number of PING requests answered.
func (s *Server) Pings() int64 { return s.pings.Load() }

// Invokes returns the number of INVOKE requests handled.
func (s *Server) Invokes() int64 { return s.invokes.Load() }

// Listeners returns the number of connected event listeners.
func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Masks returns the mask frames received so far.
func (s *Server) Masks() []MaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MaskRecord, len(s.masks))
	copy(out, s.masks)
	return out
}

// Target returns the union of the event targets of all listeners.
func (s *Server) Target() api.TargetSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := api.TargetSet{}
	for ec := range s.listeners {
		for svc, m := range ec.target {
			ts.Add(svc, m)
		}
	}
	return ts
}

// Post sends an event to every listener subscribed to (service, typ) and
// returns how many received it.
func (s *Server) Post(service string, typ api.EventType, payload *protocol.Message) int {
	s.mu.Lock()
	s.serial++
	f := &protocol.EventFrame{
		Serial:  s.serial,
		Type:    typ,
		Service: service,
		Time:    time.Now(),
		Payload: payload,
	}
	var dst []*eventConn
	for ec := range s.listeners {
		if ec.target[service].Has(typ) || ec.target[api.WildcardService].Has(typ) {
			dst = append(dst, ec)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, ec := range dst {
		ec.wmu.Lock()
		err := protocol.WriteEvent(ec.st, f)
		ec.wmu.Unlock()
		if err == nil {
			n++
		}
	}
	return n
}

// DropConnections closes every accepted connection, keeping the listener.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
	return len(s.conns)
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.accepts.Add(1)
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	st := protocol.NewStream(c, s.order)
	magic := byte(s.magic.Load())
	if err := protocol.ServerHandshake(st, magic); err != nil || magic != protocol.ProtoMagic {
		return
	}
	for {
		cmd, err := st.ReadByte()
		if err != nil {
			return
		}
		switch cmd {
		case protocol.CmdPing:
			err = s.ping(st)
		case protocol.CmdInvoke:
			err = s.invoke(st)
		case protocol.CmdEvent:
			s.events(st)
			return
		default:
			s.log.Warn().Uint8("cmd", cmd).Msg("unknown command")
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) ping(st *protocol.Stream) error {
	ts, err := st.ReadUint32()
	if err != nil {
		return err
	}
	s.pings.Add(1)
	if s.corruptPing.Load() {
		ts = ^ts
	}
	if err := st.WriteUint32(ts); err != nil {
		return err
	}
	return st.Flush()
}

func (s *Server) invoke(st *protocol.Stream) error {
	hdr, err := protocol.ReadInvokeHeader(st)
	if err != nil {
		return err
	}
	args, err := protocol.DecodeMessage(st)
	if err != nil {
		return err
	}
	s.invokes.Add(1)
	s.mu.Lock()
	fn, ok := s.services[hdr.Service]
	s.mu.Unlock()
	if !ok {
		return protocol.WriteResponse(st, api.ResponseNoService, nil)
	}
	code, reply := fn(s.ctx, hdr.ServiceID, args)
	return protocol.WriteResponse(st, code, reply)
}

func (s *Server) events(st *protocol.Stream) {
	if err := st.WriteByte(protocol.EventAckOK); err != nil {
		return
	}
	if err := st.Flush(); err != nil {
		return
	}
	s.mu.Lock()
	s.nextLn++
	ec := &eventConn{id: s.nextLn, st: st, target: api.TargetSet{}}
	s.listeners[ec] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ec)
		s.mu.Unlock()
	}()

	for {
		cmd, entries, err := protocol.ReadMask(st)
		if err != nil {
			return
		}
		s.mu.Lock()
		switch cmd {
		case protocol.MaskReset:
			ec.target = api.TargetSet{}
		case protocol.MaskAdd:
			for _, e := range entries {
				ec.target.Add(e.Service, e.Mask)
			}
		case protocol.MaskDel:
			for _, e := range entries {
				if m := ec.target[e.Service] &^ e.Mask; m != 0 {
					ec.target[e.Service] = m
				} else {
					delete(ec.target, e.Service)
				}
			}
		}
		s.masks = append(s.masks, MaskRecord{Listener: ec.id, Cmd: cmd, Entries: entries})
		s.mu.Unlock()
	}
}
