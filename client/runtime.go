// File: client/runtime.go
// Package client implements the IPC client runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime owns every piece of process-wide client state: the global lock,
// the default connection, the alternate connection table, connection pools,
// the channel registry and the current global canceller.
//
// Lock order: Runtime.mu, Pool.mu, Conn.mu, Session.mu, Canceller.mu. The
// channel registry lock is a leaf.

package client

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/logger"
	"github.com/momentics/hioload-ipc/protocol"
)

// Runtime is the client library context.
type Runtime struct {
	id     string
	store  *control.Store
	log    *logger.Logger
	probes *control.Probes
	dialer net.Dialer

	mu       sync.RWMutex
	disabled bool
	closed   bool
	global   *Canceller
	channels *channelRegistry
	def      *Conn
	alt      map[api.ConnID]*Conn
	nextID   api.ConnID
	pools    map[api.PoolID]*Pool
	nextPool api.PoolID
	dead     map[*Conn]struct{}
}

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	logOut io.Writer
	log    *logger.Logger
	probes *control.Probes
}

// WithLogOutput directs log output to w.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithLogger replaces the runtime logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithProbes registers runtime probes in p instead of a private registry.
func WithProbes(p *control.Probes) Option {
	return func(o *options) { o.probes = p }
}

// NewRuntime validates cfg and creates a runtime.
func NewRuntime(cfg control.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, api.Wrap(api.ErrCodeInvalidArgument, "invalid configuration", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	rt := &Runtime{
		id:       uuid.NewString(),
		store:    control.NewStore(cfg),
		probes:   o.probes,
		alt:      make(map[api.ConnID]*Conn),
		nextID:   firstAltID,
		pools:    make(map[api.PoolID]*Pool),
		nextPool: firstDynamicPool,
		dead:     make(map[*Conn]struct{}),
	}
	if o.log == nil {
		o.log = logger.New(cfg.Log, o.logOut)
	}
	rt.log = o.log.With("runtime", rt.id)
	if rt.probes == nil {
		rt.probes = control.NewProbes()
	}
	rt.store.OnReload(func(c control.Config) { rt.log.SetEnabled(c.Log.Enabled) })

	rt.channels = newChannelRegistry(rt.store)
	rt.def = newConn(rt, Address{Channel: cfg.DefaultChannel})
	rt.def.id = api.ConnDefault
	rt.pools[api.PoolGlobal] = newPool(api.PoolGlobal, cfg.PoolCapacity)
	rt.probes.Register("client", func() any { return rt.state() })
	rt.log.Debug().Str("default", rt.def.addr.String()).Msg("client runtime initialized")
	return rt, nil
}

// ID returns the runtime instance id.
func (rt *Runtime) ID() string { return rt.id }

// Config returns the current configuration snapshot.
func (rt *Runtime) Config() control.Config { return rt.store.Snapshot() }

// Store exposes the configuration store.
func (rt *Runtime) Store() *control.Store { return rt.store }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() *logger.Logger { return rt.log }

// Probes returns the debug probe registry.
func (rt *Runtime) Probes() *control.Probes { return rt.probes }

// DumpState collects the output of every registered probe.
func (rt *Runtime) DumpState() map[string]any { return rt.probes.DumpState() }

// SetLogEnabled toggles logging at run time.
func (rt *Runtime) SetLogEnabled(on bool) error {
	return rt.store.Update(func(c *control.Config) { c.Log.Enabled = on })
}

func (rt *Runtime) defaultChannel() string { return rt.store.Snapshot().DefaultChannel }

func (rt *Runtime) cfgMaxAlternate() int { return rt.store.Snapshot().MaxAlternate }

func (rt *Runtime) lookupLocked(id api.ConnID) *Conn {
	if id == api.ConnDefault {
		return rt.def
	}
	return rt.alt[id]
}

// Disabled reports whether the runtime was permanently canceled.
func (rt *Runtime) Disabled() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.disabled
}

// acquireCanceller returns the canceller an invocation of s waits on.
func (rt *Runtime) acquireCanceller(s *Session) (*Canceller, error) {
	rt.mu.RLock()
	if rt.disabled {
		rt.mu.RUnlock()
		return nil, api.ErrConnectionAborted
	}
	if s.private() {
		s.mu.Lock()
		if s.canceller == nil {
			s.canceller = newCanceller(CancellerSession, s)
		}
		c := s.canceller.ref()
		s.mu.Unlock()
		rt.mu.RUnlock()
		return c, nil
	}
	if c := rt.global; c != nil {
		c.ref()
		rt.mu.RUnlock()
		return c, nil
	}
	rt.mu.RUnlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.disabled {
		return nil, api.ErrConnectionAborted
	}
	if rt.global == nil {
		rt.global = newCanceller(CancellerGlobal, nil)
	}
	return rt.global.ref(), nil
}

// connsLocked returns every live or dead connection.
func (rt *Runtime) connsLocked() []*Conn {
	conns := make([]*Conn, 0, len(rt.alt)+len(rt.dead)+1)
	conns = append(conns, rt.def)
	for _, c := range rt.alt {
		conns = append(conns, c)
	}
	for c := range rt.dead {
		conns = append(conns, c)
	}
	return conns
}

// Cancel wakes every blocked invocation. Sessions created with
// api.SessionNoGlobalCancel are spared unless permanent is set. A permanent
// cancel disables the runtime: later invocations fail with
// api.ErrConnectionAborted.
func (rt *Runtime) Cancel(permanent bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if permanent {
		rt.disabled = true
	}
	old := rt.global
	rt.global = nil

	var victims []*Canceller
	for _, c := range rt.connsLocked() {
		c.mu.Lock()
		for s := range c.sessions {
			s.mu.Lock()
			if v := s.takeCancellerLocked(permanent); v != nil {
				victims = append(victims, v)
			}
			s.mu.Unlock()
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
	if old != nil {
		old.Notify()
		old.release()
	}
	for _, v := range victims {
		v.Notify()
		v.release()
	}
	rt.log.Info().Bool("permanent", permanent).Int("sessions", len(victims)).Msg("global cancel")
}

// AbortServer fails in-flight invocations on connections to addr and
// returns how many were aborted.
func (rt *Runtime) AbortServer(addr Address) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, c := range rt.connsLocked() {
		c.mu.Lock()
		match := c.addr == addr
		c.mu.Unlock()
		if match && c.abort() {
			n++
		}
	}
	if n > 0 {
		rt.log.Info().Str("address", addr.String()).Int("sessions", n).Msg("sessions canceled for server")
	}
	return n
}

// SetDefault points the default connection at address. It fails with
// api.ErrBusy while sessions are bound to the default connection.
func (rt *Runtime) SetDefault(address string) error {
	addr, err := ParseAddress(address, rt.defaultChannel())
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return api.ErrShutdown
	}
	ch := rt.channels.acquire(addr.Channel)
	c := rt.def
	c.mu.Lock()
	if len(c.sessions) != 0 || c.current != nil {
		c.mu.Unlock()
		rt.channels.release(ch)
		return api.NewError(api.ErrCodeBusy, "default connection in use")
	}
	old, st := c.channel, c.stream
	c.addr, c.channel, c.stream = addr, ch, nil
	c.mu.Unlock()

	rt.channels.release(old)
	if st != nil {
		_ = st.Close()
	}
	rt.log.Info().Str("address", addr.String()).Msg("default connection changed")
	return nil
}

// DefaultAddress returns the address of the default connection.
func (rt *Runtime) DefaultAddress() Address {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c := rt.def
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// ConnStats reports the state of connection id.
func (rt *Runtime) ConnStats(id api.ConnID) (ConnStats, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c := rt.lookupLocked(id)
	if c == nil {
		return ConnStats{}, api.NewError(api.ErrCodeNotFound, "unknown connection").WithContext("conn", id)
	}
	return c.stats(), nil
}

// PurgeChannels forgets channels no connection refers to, so that they are
// resolved again from the current configuration.
func (rt *Runtime) PurgeChannels() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.channels.purge()
}

// Reset discards every stream, pool, canceller and resolved channel
// without notifying anybody. It is meant for a process that lost its peers,
// such as a forked child. Sessions on alternate connections are frozen.
func (rt *Runtime) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, p := range rt.pools {
		if id != api.PoolGlobal {
			delete(rt.pools, id)
		}
		rt.drainPoolLocked(p)
	}
	for _, c := range rt.alt {
		rt.unlinkLocked(c)
	}
	rt.def.dropStream()
	rt.channels.reset()
	rt.global = nil
	rt.disabled = false
	rt.nextID = firstAltID
	rt.nextPool = firstDynamicPool
	rt.log.Info().Msg("client runtime reset")
}

// Close cancels everything for good and closes every connection.
func (rt *Runtime) Close() error {
	rt.Cancel(true)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	for _, p := range rt.pools {
		rt.drainPoolLocked(p)
	}
	for _, c := range rt.alt {
		rt.unlinkLocked(c)
	}
	rt.def.shutdown()
	rt.probes.Unregister("client")
	rt.log.Info().Msg("client runtime closed")
	return nil
}

// Connect dials addr and performs the protocol handshake. The deadline of
// ctx bounds the whole operation.
func (rt *Runtime) Connect(ctx context.Context, addr Address) (*protocol.Stream, error) {
	ch := rt.channels.acquire(addr.Channel)
	defer rt.channels.release(ch)
	op := &invokeOp{ctx: ctx}
	if d, ok := ctx.Deadline(); ok {
		op.deadline = d
	}
	return rt.connect(op, addr, ch)
}

func (rt *Runtime) connect(op *invokeOp, addr Address, ch *Channel) (*protocol.Stream, error) {
	network, target := addr.dialTarget(ch.path)
	ctx, cancel := context.WithCancel(op.ctx)
	defer cancel()
	if !op.deadline.IsZero() {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, op.deadline)
		defer dcancel()
	}
	var stop func() bool
	if op.canc != nil {
		stop = op.canc.AfterFunc(cancel)
	}
	nc, err := rt.dialer.DialContext(ctx, network, target)
	if stop != nil {
		stop()
	}
	if err != nil {
		if cerr := op.check(); cerr != nil {
			return nil, cerr
		}
		if network == "unix" {
			err = api.FromConnect("connect", err)
		} else {
			err = api.FromSyscall("connect", err)
		}
		rt.log.Warn().Str("address", addr.String()).Str("target", target).Err(err).Msg("connect failed")
		return nil, err
	}

	st := protocol.NewStream(nc, nil)
	if err := withIO(st, op, "handshake", func() error { return protocol.ClientHandshake(st) }); err != nil {
		_ = nc.Close()
		rt.log.Warn().Str("address", addr.String()).Err(err).Msg("handshake failed")
		return nil, err
	}
	rt.log.Info().Str("address", addr.String()).Str("target", target).Msg("connected")
	return st, nil
}

func (rt *Runtime) state() map[string]any {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]int, 0, len(rt.alt))
	for id := range rt.alt {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	pools := make([]PoolStats, 0, len(rt.pools))
	for _, p := range rt.pools {
		pools = append(pools, p.stats())
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return map[string]any{
		"id":        rt.id,
		"disabled":  rt.disabled,
		"closed":    rt.closed,
		"default":   rt.def.stats(),
		"alternate": ids,
		"dead":      len(rt.dead),
		"pools":     pools,
		"channels":  rt.channels.names(),
	}
}
