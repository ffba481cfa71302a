// File: event/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener session: the persistent connection receiving events of one
// channel from one server. All blocking work runs in update on a task
// queue worker; the reactor only flags readiness and fires the reconnect
// timer.

package event

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/client"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
)

var errListenerShutdown = api.NewError(api.ErrCodeShutdown, "listener shut down")

type listener struct {
	sys  *System
	ch   *channel
	addr client.Address

	mu            sync.Mutex
	stream        *protocol.Stream
	fd            int
	sent          api.TargetSet // what the server currently forwards
	newTarget     api.TargetSet // additions not sent yet
	resetTarget   bool          // newTarget replaces sent entirely
	linkCount     int
	wildcardCount int
	connecting    bool
	busy          bool
	repost        bool
	ready         bool
	shutdown      bool
	downPosted    bool
	down          api.DownCode
	pendingDown   api.DownCode
	timer         *reactor.Timer
}

func newListener(sys *System, ch *channel, host string) *listener {
	return &listener{
		sys:        sys,
		ch:         ch,
		addr:       client.Address{Channel: ch.name, Host: host},
		fd:         -1,
		sent:       api.TargetSet{},
		newTarget:  api.TargetSet{},
		connecting: true,
	}
}

// linkLocked accounts for a new handler. Both channel.mu and l.mu are held.
func (l *listener) linkLocked(h *handler) {
	l.linkCount++
	if h.wildcard() {
		l.wildcardCount++
	}
	for svc, m := range h.serverTarget() {
		l.newTarget.Add(svc, m)
	}
}

// unlinkLocked reverses linkLocked. When the last wildcard handler leaves,
// the server target is replaced by rest, the target of the remaining
// handlers. It reports whether an update is needed.
func (l *listener) unlinkLocked(h *handler, rest api.TargetSet) bool {
	l.linkCount--
	if !h.wildcard() {
		return false
	}
	l.wildcardCount--
	if l.wildcardCount != 0 || l.linkCount == 0 {
		return false
	}
	l.newTarget = rest
	l.resetTarget = true
	return true
}

// Run implements concurrency.Task. Triggers arriving while update runs
// collapse into one more pass.
func (l *listener) Run() {
	l.mu.Lock()
	if l.busy {
		l.repost = true
		l.mu.Unlock()
		return
	}
	l.busy = true
	for {
		l.repost = false
		l.mu.Unlock()
		l.update()
		l.mu.Lock()
		if !l.repost {
			break
		}
	}
	l.busy = false
	l.mu.Unlock()
}

func (l *listener) post() {
	if err := l.sys.tasks.Post(l); err != nil {
		l.sys.log.Debug().Str("address", l.addr.String()).Err(err).Msg("listener update dropped")
	}
}

func (l *listener) update() {
	l.mu.Lock()
	if l.shutdown {
		st := l.closeLocked()
		l.mu.Unlock()
		closeStream(st)
		return
	}
	code := l.pendingDown
	l.pendingDown = api.DownNone
	l.mu.Unlock()

	if code != api.DownNone {
		l.fail(api.NewError(api.ErrCodeConnReset, "listener connection lost").WithContext("down", code.String()), code)
		return
	}
	connected, err := l.connect()
	if err != nil {
		l.fail(err, api.DownCodeOf(err))
		return
	}
	if !connected {
		return
	}
	if err := l.addTarget(); err != nil {
		l.fail(err, api.DownCodeOf(err))
		return
	}
	if err := l.receive(); err != nil {
		l.fail(err, api.DownCodeOf(err))
	}
}

// connect reports whether a stream is available. It returns false without
// error while a reconnect timer is pending.
func (l *listener) connect() (bool, error) {
	l.mu.Lock()
	if l.stream != nil {
		l.mu.Unlock()
		return true, nil
	}
	if l.timer != nil {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	sys := l.sys
	ctx, cancel := context.WithTimeout(sys.ctx, sys.ioTimeout)
	defer cancel()
	st, err := sys.rt.Connect(ctx, l.addr)
	if err != nil {
		return false, err
	}
	if err := l.io(st, func() error { return protocol.RequestEvent(st) }); err != nil {
		_ = st.Close()
		return false, err
	}
	fd, err := connFD(st.Conn())
	if err != nil {
		_ = st.Close()
		return false, err
	}

	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		_ = st.Close()
		return false, errListenerShutdown
	}
	if err := sys.reactor.Register(fd, l.onReady); err != nil {
		l.mu.Unlock()
		_ = st.Close()
		return false, api.Wrap(api.ErrCodeIO, "register listener", err)
	}
	l.stream, l.fd = st, fd
	l.connecting = false
	l.down = api.DownNone
	l.downPosted = false
	// A fresh server session forwards nothing yet. A pending reset already
	// holds the whole target; otherwise resend what the old session had.
	if !l.resetTarget {
		for svc, m := range l.sent {
			l.newTarget.Add(svc, m)
		}
	}
	l.sent = api.TargetSet{}
	l.resetTarget = false
	l.mu.Unlock()

	sys.log.Info().Str("address", l.addr.String()).Msg("event listener up")
	sys.postState(l, api.ChannelUp, true, api.DownNone)
	return true, nil
}

// addTarget sends the pending target changes, if any.
func (l *listener) addTarget() error {
	l.mu.Lock()
	st := l.stream
	if st == nil || (len(l.newTarget) == 0 && !l.resetTarget) {
		l.mu.Unlock()
		return nil
	}
	reset := l.resetTarget
	var entries []protocol.MaskEntry
	if reset {
		for svc, m := range l.newTarget {
			entries = append(entries, protocol.MaskEntry{Service: svc, Mask: m})
		}
		l.sent = l.newTarget
	} else {
		for svc, m := range l.newTarget {
			if d := m &^ l.sent[svc]; d != 0 {
				entries = append(entries, protocol.MaskEntry{Service: svc, Mask: d})
				l.sent.Add(svc, d)
			}
		}
	}
	l.newTarget = api.TargetSet{}
	l.resetTarget = false
	l.mu.Unlock()

	if !reset && len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Service < entries[j].Service })
	return l.io(st, func() error {
		if reset {
			if err := protocol.WriteMask(st, protocol.MaskReset, nil); err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			return nil
		}
		return protocol.WriteMask(st, protocol.MaskAdd, entries)
	})
}

// receive reads one event frame if input is ready and dispatches it.
func (l *listener) receive() error {
	l.mu.Lock()
	st := l.stream
	if st == nil || !l.ready {
		l.mu.Unlock()
		return nil
	}
	l.ready = false
	l.mu.Unlock()

	var f *protocol.EventFrame
	err := l.io(st, func() error {
		var err error
		f, err = protocol.ReadEvent(st)
		return err
	})
	if err != nil {
		return err
	}

	ev := newEvent(l.sys.ops, l.ch.name, l.addr.Host, f)
	n := l.sys.deliver(l.ch, l.addr.Host, ev)
	ev.Release()
	if n == 0 {
		if err := l.maskDel(st, f.Service, f.Type); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream != st {
		return nil
	}
	if st.Buffered() > 0 {
		// Already read from the socket; epoll will not report it again.
		l.ready = true
		l.repost = true
		return nil
	}
	if err := l.sys.reactor.Rearm(l.fd); err != nil {
		return api.Wrap(api.ErrCodeIO, "rearm listener", err)
	}
	return nil
}

// maskDel asks the server to stop forwarding (service, typ) unless a
// handler registered it again meanwhile.
func (l *listener) maskDel(st *protocol.Stream, service string, typ api.EventType) error {
	l.mu.Lock()
	if l.wildcardCount > 0 || l.newTarget[service].Has(typ) {
		l.mu.Unlock()
		return nil
	}
	mask := api.MaskOf(typ)
	if m := l.sent[service] &^ mask; m != 0 {
		l.sent[service] = m
	} else {
		delete(l.sent, service)
	}
	l.mu.Unlock()

	l.sys.log.Debug().Str("address", l.addr.String()).Str("service", service).Uint8("type", uint8(typ)).Msg("unwanted event, deleting target")
	return l.io(st, func() error {
		return protocol.WriteMask(st, protocol.MaskDel, []protocol.MaskEntry{{Service: service, Mask: mask}})
	})
}

// fail tears the connection down and arms the reconnect timer. The down
// event is posted once per disconnect episode.
func (l *listener) fail(err error, code api.DownCode) {
	sys := l.sys
	l.mu.Lock()
	if l.shutdown {
		st := l.closeLocked()
		l.mu.Unlock()
		closeStream(st)
		return
	}
	st := l.teardownLocked()
	l.down = code
	l.connecting = false
	post := !l.downPosted
	l.downPosted = true
	l.armReconnectLocked()
	l.mu.Unlock()
	closeStream(st)

	sys.log.Warn().Str("address", l.addr.String()).Str("down", code.String()).Err(err).Msg("event listener down")
	if post {
		sys.postState(l, api.ChannelDown, false, code)
	}
	if sys.autoCancel {
		sys.rt.AbortServer(l.addr)
	}
}

func (l *listener) armReconnectLocked() {
	if l.timer != nil || l.shutdown {
		return
	}
	t, err := l.sys.reactor.AfterFunc(l.sys.reconnect, l.reconnectFired)
	if err != nil {
		return
	}
	l.timer = t
}

// reconnectFired runs on the reactor goroutine.
func (l *listener) reconnectFired() {
	l.mu.Lock()
	l.timer = nil
	shutdown := l.shutdown
	l.mu.Unlock()
	if !shutdown {
		l.post()
	}
}

// onReady runs on the reactor goroutine with the reactor lock released.
func (l *listener) onReady(fd int, ev reactor.Events) {
	l.mu.Lock()
	if l.stream == nil || l.fd != fd {
		l.mu.Unlock()
		return
	}
	switch {
	case ev&reactor.EventRead != 0:
		l.ready = true
	case ev&reactor.EventHangup != 0:
		l.pendingDown = api.DownHangup
	default:
		l.pendingDown = api.DownError
	}
	l.mu.Unlock()
	l.post()
}

// teardownLocked detaches the stream from the reactor and returns it for
// closing outside the lock.
func (l *listener) teardownLocked() *protocol.Stream {
	st := l.stream
	if st != nil {
		_ = l.sys.reactor.Unregister(l.fd)
	}
	l.stream = nil
	l.fd = -1
	l.ready = false
	return st
}

// closeLocked shuts the listener down for good.
func (l *listener) closeLocked() *protocol.Stream {
	l.shutdown = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	return l.teardownLocked()
}

func (l *listener) io(st *protocol.Stream, fn func() error) error {
	_ = st.SetDeadline(time.Now().Add(l.sys.ioTimeout))
	err := fn()
	if err != nil {
		return api.FromSyscall("event listener", err)
	}
	_ = st.SetDeadline(time.Time{})
	return nil
}

func closeStream(st *protocol.Stream) {
	if st != nil {
		_ = st.Close()
	}
}

// connFD returns the descriptor of nc for reactor registration. The
// connection keeps ownership of it.
func connFD(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errors.New("event: connection has no descriptor")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// ListenerStats is a point-in-time view of a listener session.
type ListenerStats struct {
	Channel       string
	Host          string
	LinkCount     int
	WildcardCount int
	Connected     bool
	Connecting    bool
	Down          api.DownCode
	Target        api.TargetSet
}

func (l *listener) stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	target := l.sent.Clone()
	if l.resetTarget {
		target = api.TargetSet{}
	}
	for svc, m := range l.newTarget {
		target.Add(svc, m)
	}
	return ListenerStats{
		Channel:       l.ch.name,
		Host:          l.addr.Host,
		LinkCount:     l.linkCount,
		WildcardCount: l.wildcardCount,
		Connected:     l.stream != nil,
		Connecting:    l.connecting,
		Down:          l.down,
		Target:        target,
	}
}
