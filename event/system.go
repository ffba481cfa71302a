// File: event/system.go
// Package event implements the asynchronous event subsystem of the IPC
// client: listener sessions driven by an epoll reactor, a bounded task
// queue doing their blocking I/O and a single dispatch goroutine calling
// user handlers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock order: System.mu, channel.mu, hostSet.mu, listener.mu, task queue,
// reactor, dispatch queue.

package event

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/client"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/internal/logger"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
)

// Option customizes a System.
type Option func(*System)

// WithOps installs an event life cycle observer.
func WithOps(o Ops) Option {
	return func(s *System) {
		if o != nil {
			s.ops = o
		}
	}
}

// System is the event subsystem of one client runtime.
type System struct {
	rt       *client.Runtime
	log      *logger.Logger
	ops      Ops
	reactor  *reactor.Reactor
	tasks    *concurrency.TaskQueue
	dispatch *concurrency.DispatchQueue
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc

	ioTimeout  time.Duration
	reconnect  time.Duration
	autoCancel bool

	mu       sync.Mutex
	shutdown bool
	channels map[string]*channel
	handlers map[HandlerID]*handler
	hostSets map[string]*hostSet
	nextID   HandlerID
}

// NewSystem starts the reactor and dispatch goroutines.
func NewSystem(rt *client.Runtime, opts ...Option) (*System, error) {
	cfg := rt.Config().Event
	r, err := reactor.New(cfg.MaxThreads)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeIO, "create event reactor", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	sys := &System{
		rt:         rt,
		log:        rt.Logger().With("component", "event"),
		ops:        nopOps{},
		reactor:    r,
		tasks:      concurrency.NewTaskQueue(cfg.MaxThreads, cfg.IdleTimeout),
		dispatch:   concurrency.NewDispatchQueue(),
		group:      g,
		ctx:        gctx,
		cancel:     cancel,
		ioTimeout:  cfg.IOTimeout,
		reconnect:  cfg.ReconnectInterval,
		autoCancel: cfg.AutoCancel,
		channels:   make(map[string]*channel),
		handlers:   make(map[HandlerID]*handler),
		hostSets:   make(map[string]*hostSet),
	}
	if sys.ioTimeout <= 0 {
		sys.ioTimeout = 10 * time.Second
	}
	if sys.reconnect <= 0 {
		sys.reconnect = 10 * time.Second
	}
	for _, opt := range opts {
		opt(sys)
	}
	g.Go(r.Run)
	g.Go(sys.dispatch.Run)
	rt.Probes().Register("event", func() any { return sys.state() })
	sys.log.Debug().Int("max_threads", cfg.MaxThreads).Msg("event system started")
	return sys, nil
}

func (sys *System) channelName(name string) (string, error) {
	def := sys.rt.Config().DefaultChannel
	addr, err := client.ParseAddress(name, def)
	if err != nil {
		return "", err
	}
	if !addr.Local() {
		return "", api.NewError(api.ErrCodeInvalidArgument, "channel name must not carry a host").WithContext("channel", name)
	}
	return addr.Channel, nil
}

// AddHandler registers fn for events of channelName ("" for the default
// channel) selected by attr.
func (sys *System) AddHandler(channelName string, fn HandlerFunc, attr HandlerAttr) (HandlerID, error) {
	if fn == nil {
		return 0, api.NewError(api.ErrCodeInvalidArgument, "nil handler")
	}
	name, err := sys.channelName(channelName)
	if err != nil {
		return 0, err
	}
	for svc := range attr.Target {
		if svc != api.ChannelStateService && !api.ValidServiceName(svc) {
			return 0, api.NewError(api.ErrCodeInvalidArgument, "bad target service name").WithContext("service", svc)
		}
	}

	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.shutdown {
		return 0, api.ErrShutdown
	}
	var hs *hostSet
	if attr.HostSet != "" {
		var ok bool
		if hs, ok = sys.hostSets[attr.HostSet]; !ok {
			return 0, api.NewError(api.ErrCodeNotFound, "unknown host set").WithContext("hostset", attr.HostSet)
		}
	}
	id, err := sys.nextHandlerIDLocked()
	if err != nil {
		return 0, err
	}
	h := &handler{
		id:       id,
		priority: attr.Priority,
		hs:       hs,
		target:   attr.Target.Clone(),
		fn:       fn,
		arg:      attr.Arg,
		log:      attr.Log,
		dtor:     attr.ArgDestructor,
		hosts:    make(map[string]struct{}),
	}
	h.refs.Store(1)

	ch, ok := sys.channels[name]
	if !ok {
		ch = newChannel(name)
		sys.channels[name] = ch
	}
	h.ch = ch
	hosts := []string{""}
	if hs != nil {
		hs.bound++
		hosts = hs.members()
	}
	ch.mu.Lock()
	ch.insertLocked(h)
	for _, host := range hosts {
		sys.linkLocked(h, host)
	}
	ch.mu.Unlock()
	sys.handlers[id] = h

	sys.log.Info().Uint32("handler", uint32(id)).Str("channel", name).Uint32("priority", attr.Priority).
		Str("hostset", attr.HostSet).Msg("event handler added")
	return id, nil
}

func (sys *System) nextHandlerIDLocked() (HandlerID, error) {
	for i := 0; i < 1<<20; i++ {
		sys.nextID++
		if sys.nextID == 0 {
			continue
		}
		if _, used := sys.handlers[sys.nextID]; !used {
			return sys.nextID, nil
		}
	}
	return 0, api.NewError(api.ErrCodeResourceExhausted, "too many event handlers")
}

// RemoveHandler unregisters a handler. Deliveries already queued for it are
// dropped; a call in progress completes.
func (sys *System) RemoveHandler(id HandlerID) error {
	sys.mu.Lock()
	h, ok := sys.handlers[id]
	if !ok {
		sys.mu.Unlock()
		return api.NewError(api.ErrCodeNotFound, "unknown event handler").WithContext("handler", id)
	}
	delete(sys.handlers, id)
	if h.hs != nil {
		h.hs.bound--
	}
	ch := h.ch
	ch.mu.Lock()
	h.removed.Store(true)
	hosts := make([]string, 0, len(h.hosts))
	for host := range h.hosts {
		hosts = append(hosts, host)
	}
	for _, host := range hosts {
		sys.unlinkLocked(h, host)
	}
	ch.removeLocked(h)
	if len(ch.handlers) == 0 && len(ch.listeners) == 0 && sys.channels[ch.name] == ch {
		delete(sys.channels, ch.name)
	}
	ch.mu.Unlock()
	sys.mu.Unlock()

	sys.log.Info().Uint32("handler", uint32(id)).Str("channel", ch.name).Msg("event handler removed")
	h.release()
	return nil
}

// linkLocked connects h to the listener of host, creating the listener on
// first use. channel.mu is held.
func (sys *System) linkLocked(h *handler, host string) {
	ch := h.ch
	if _, ok := h.hosts[host]; ok {
		return
	}
	h.hosts[host] = struct{}{}
	l, known := ch.listeners[host]
	if !known {
		l = newListener(sys, ch, host)
		ch.listeners[host] = l
	}
	l.mu.Lock()
	l.linkLocked(h)
	notify := known && !l.connecting && h.target.Match(api.ChannelStateService, api.ChannelNotify)
	up, down := l.stream != nil, l.down
	l.mu.Unlock()

	if notify {
		ev := newStateEvent(sys.ops, ch.name, host, api.ChannelNotify, up, down)
		sys.post(h, ev)
		ev.Release()
	}
	l.post()
}

// unlinkLocked detaches h from the listener of host. The listener shuts
// down with its last handler. channel.mu is held.
func (sys *System) unlinkLocked(h *handler, host string) {
	ch := h.ch
	if _, ok := h.hosts[host]; !ok {
		return
	}
	delete(h.hosts, host)
	l, ok := ch.listeners[host]
	if !ok {
		return
	}
	var rest api.TargetSet
	if h.wildcard() {
		rest = ch.targetLocked(host)
	}
	l.mu.Lock()
	changed := l.unlinkLocked(h, rest)
	var st *protocol.Stream
	last := l.linkCount == 0
	if last {
		st = l.closeLocked()
		delete(ch.listeners, host)
	}
	l.mu.Unlock()

	closeStream(st)
	if last {
		sys.log.Debug().Str("address", l.addr.String()).Msg("event listener released")
	}
	if changed {
		l.post()
	}
}

func (sys *System) post(h *handler, ev *Event) {
	ev.Hold()
	h.hold()
	// A closed queue discards the entry, which drops both references.
	_ = sys.dispatch.Post(&delivery{sys: sys, h: h, ev: ev})
}

// deliver queues ev for every handler of ch listening to host whose target
// matches, in priority order. It returns the number of handlers.
func (sys *System) deliver(ch *channel, host string, ev *Event) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := 0
	for _, h := range ch.handlers {
		if _, ok := h.hosts[host]; !ok {
			continue
		}
		if !h.target.Match(ev.service, ev.typ) {
			continue
		}
		sys.post(h, ev)
		n++
	}
	return n
}

func (sys *System) postState(l *listener, typ api.EventType, up bool, down api.DownCode) {
	ev := newStateEvent(sys.ops, l.ch.name, l.addr.Host, typ, up, down)
	sys.deliver(l.ch, l.addr.Host, ev)
	ev.Release()
}

func (sys *System) findListener(channelName, host string) (*listener, error) {
	name, err := sys.channelName(channelName)
	if err != nil {
		return nil, err
	}
	if host, err = normalizeHost(host); err != nil {
		return nil, err
	}
	sys.mu.Lock()
	defer sys.mu.Unlock()
	ch, ok := sys.channels[name]
	if !ok {
		return nil, api.NewError(api.ErrCodeNotFound, "no listener").WithContext("channel", name)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	l, ok := ch.listeners[host]
	if !ok {
		return nil, api.NewError(api.ErrCodeNotFound, "no listener").WithContext("channel", name).WithContext("host", host)
	}
	return l, nil
}

// State returns nil if the listener of (channel, host) is connected,
// api.ErrInProgress while its first connect is pending and api.ErrConnReset
// once it is known to be down.
func (sys *System) State(channelName, host string) error {
	l, err := sys.findListener(channelName, host)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.stream != nil:
		return nil
	case l.connecting:
		return api.ErrInProgress
	default:
		return api.NewError(api.ErrCodeConnReset, "channel is down").WithContext("down", l.down.String())
	}
}

// ListenerStats reports the listener session of (channel, host).
func (sys *System) ListenerStats(channelName, host string) (ListenerStats, error) {
	l, err := sys.findListener(channelName, host)
	if err != nil {
		return ListenerStats{}, err
	}
	return l.stats(), nil
}

// Shutdown disconnects every listener, drops queued deliveries and stops
// the goroutines. It must not be called from a handler.
func (sys *System) Shutdown() error {
	sys.mu.Lock()
	if sys.shutdown {
		sys.mu.Unlock()
		return nil
	}
	sys.shutdown = true
	var (
		streams  []*protocol.Stream
		handlers []*handler
	)
	for _, ch := range sys.channels {
		ch.mu.Lock()
		for host, l := range ch.listeners {
			l.mu.Lock()
			if st := l.closeLocked(); st != nil {
				streams = append(streams, st)
			}
			l.mu.Unlock()
			delete(ch.listeners, host)
		}
		for _, h := range ch.handlers {
			h.removed.Store(true)
			handlers = append(handlers, h)
		}
		ch.handlers = nil
		ch.mu.Unlock()
	}
	sys.channels = make(map[string]*channel)
	sys.handlers = make(map[HandlerID]*handler)
	sys.mu.Unlock()

	sys.cancel()
	for _, st := range streams {
		closeStream(st)
	}
	sys.tasks.Close()
	sys.reactor.Shutdown()
	sys.dispatch.Shutdown()
	err := sys.group.Wait()
	if cerr := sys.reactor.Close(); err == nil {
		err = cerr
	}
	for _, h := range handlers {
		h.release()
	}
	sys.rt.Probes().Unregister("event")
	sys.log.Info().Int("handlers", len(handlers)).Msg("event system shut down")
	// Run refuses to start once Shutdown won the race.
	if errors.Is(err, context.Canceled) || errors.Is(err, reactor.ErrClosed) {
		err = nil
	}
	return err
}

func (sys *System) state() map[string]any {
	sys.mu.Lock()
	names := make([]string, 0, len(sys.channels))
	for name := range sys.channels {
		names = append(names, name)
	}
	var listeners []*listener
	for _, ch := range sys.channels {
		ch.mu.Lock()
		for _, l := range ch.listeners {
			listeners = append(listeners, l)
		}
		ch.mu.Unlock()
	}
	nh := len(sys.handlers)
	nhs := len(sys.hostSets)
	sys.mu.Unlock()

	sort.Strings(names)
	stats := make([]ListenerStats, 0, len(listeners))
	for _, l := range listeners {
		stats = append(stats, l.stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Channel != stats[j].Channel {
			return stats[i].Channel < stats[j].Channel
		}
		return stats[i].Host < stats[j].Host
	})
	return map[string]any{
		"channels":  names,
		"handlers":  nh,
		"hostsets":  nhs,
		"listeners": stats,
		"tasks":     sys.tasks.Stats(),
		"dispatch":  sys.dispatch.Stats(),
		"timers":    sys.reactor.Pending(),
	}
}
