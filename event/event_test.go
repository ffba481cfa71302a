//go:build linux

package event

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/client"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/fake"
	"github.com/momentics/hioload-ipc/protocol"
)

type testEnv struct {
	rt   *client.Runtime
	srv  *fake.Server
	sys  *System
	path string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipcev")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := control.Defaults()
	cfg.SocketDir = dir
	cfg.Event.ReconnectInterval = 50 * time.Millisecond
	cfg.Event.IOTimeout = 2 * time.Second
	cfg.Event.MaxThreads = 4

	env := &testEnv{path: filepath.Join(dir, cfg.DefaultChannel)}
	env.srv, err = fake.Listen(env.path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.srv.Close() })

	env.rt, err = client.NewRuntime(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.rt.Close() })

	env.sys, err = NewSystem(env.rt)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, env.sys.Shutdown()) })
	return env
}

type recorder struct {
	ch chan *Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan *Event, 64)} }

func (r *recorder) handle(ev *Event, _ any) { r.ch <- ev }

func (r *recorder) next(t *testing.T) *Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %q type %d", ev.Service(), ev.Type())
	case <-time.After(d):
	}
}

func (r *recorder) nextState(t *testing.T, typ api.EventType) *Event {
	t.Helper()
	ev := r.next(t)
	require.True(t, ev.IsChannelState(), "service %q", ev.Service())
	require.Equal(t, typ, ev.Type())
	return ev
}

func waitTarget(t *testing.T, srv *fake.Server, service string, mask api.EventMask) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.Target()[service] == mask
	}, 3*time.Second, 5*time.Millisecond)
}

func TestWildcardHandlerReceivesEvents(t *testing.T) {
	env := newTestEnv(t)
	rec := newRecorder()

	_, err := env.sys.AddHandler("", rec.handle, HandlerAttr{})
	require.NoError(t, err)
	up := rec.nextState(t, api.ChannelUp)
	assert.True(t, up.Up())
	assert.Equal(t, "ipcd", up.Channel())
	assert.Empty(t, up.Host())

	waitTarget(t, env.srv, api.WildcardService, api.EventMaskAll)
	require.Equal(t, 1, env.srv.Post("disk", 3, protocol.NewMessage().AddString("full")))

	ev := rec.next(t)
	assert.Equal(t, "disk", ev.Service())
	assert.Equal(t, api.EventType(3), ev.Type())
	assert.False(t, ev.IsChannelState())
	require.Equal(t, 1, ev.Payload().Len())
	v, err := ev.Payload().At(0)
	require.NoError(t, err)
	assert.Equal(t, "full", v.String())
	assert.NotZero(t, ev.Serial())

	require.NoError(t, env.sys.State("", ""))
	st, err := env.sys.ListenerStats("ipcd", "local")
	require.NoError(t, err)
	assert.Equal(t, 1, st.LinkCount)
	assert.Equal(t, 1, st.WildcardCount)
	assert.True(t, st.Connected)
	assert.Equal(t, api.TargetSet{api.WildcardService: api.EventMaskAll}, st.Target)
}

func TestBurstIsDeliveredInOrder(t *testing.T) {
	env := newTestEnv(t)
	rec := newRecorder()
	_, err := env.sys.AddHandler("", rec.handle, HandlerAttr{Target: api.TargetSet{"svc": api.MaskOf(1)}})
	require.NoError(t, err)
	waitTarget(t, env.srv, "svc", api.MaskOf(1))

	for i := 0; i < 20; i++ {
		require.Equal(t, 1, env.srv.Post("svc", 1, protocol.NewMessage().AddInt32(int32(i))))
	}
	for i := 0; i < 20; i++ {
		ev := rec.next(t)
		v, err := ev.Payload().At(0)
		require.NoError(t, err)
		require.Equal(t, int64(i), v.Int())
	}
}

func TestUnwantedEventDeletesTarget(t *testing.T) {
	env := newTestEnv(t)
	rec := newRecorder()

	_, err := env.sys.AddHandler("", rec.handle, HandlerAttr{Target: api.TargetSet{"a": api.MaskOf(1)}})
	require.NoError(t, err)
	other, err := env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{Target: api.TargetSet{"b": api.MaskOf(2)}})
	require.NoError(t, err)
	waitTarget(t, env.srv, "b", api.MaskOf(2))
	waitTarget(t, env.srv, "a", api.MaskOf(1))

	// Removing a targeted handler leaves the server target alone until an
	// event nobody wants arrives.
	require.NoError(t, env.sys.RemoveHandler(other))
	require.Equal(t, 1, env.srv.Post("b", 2, nil))
	require.Eventually(t, func() bool {
		_, ok := env.srv.Target()["b"]
		return !ok
	}, 3*time.Second, 5*time.Millisecond)

	masks := env.srv.Masks()
	last := masks[len(masks)-1]
	assert.Equal(t, byte(protocol.MaskDel), last.Cmd)
	assert.Equal(t, []protocol.MaskEntry{{Service: "b", Mask: api.MaskOf(2)}}, last.Entries)

	require.Equal(t, 1, env.srv.Post("a", 1, nil))
	assert.Equal(t, "a", rec.next(t).Service())
}

func TestLastWildcardResetsTarget(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{Target: api.TargetSet{"a": api.MaskOf(1, 2)}})
	require.NoError(t, err)
	wild, err := env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{})
	require.NoError(t, err)
	waitTarget(t, env.srv, api.WildcardService, api.EventMaskAll)

	require.NoError(t, env.sys.RemoveHandler(wild))
	require.Eventually(t, func() bool {
		ts := env.srv.Target()
		return len(ts) == 1 && ts["a"] == api.MaskOf(1, 2)
	}, 3*time.Second, 5*time.Millisecond)

	var sawReset bool
	for _, m := range env.srv.Masks() {
		if m.Cmd == protocol.MaskReset {
			sawReset = true
		}
	}
	assert.True(t, sawReset)
	st, err := env.sys.ListenerStats("", "")
	require.NoError(t, err)
	assert.Equal(t, 0, st.WildcardCount)
	assert.Equal(t, 1, st.LinkCount)
}

func TestWildcardRemovedWhileDownIsNotResent(t *testing.T) {
	env := newTestEnv(t)
	rec := newRecorder()
	_, err := env.sys.AddHandler("", rec.handle, HandlerAttr{Target: api.TargetSet{"": api.ChannelStateMask, "a": api.MaskOf(1)}})
	require.NoError(t, err)
	wild, err := env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{})
	require.NoError(t, err)
	rec.nextState(t, api.ChannelUp)
	waitTarget(t, env.srv, api.WildcardService, api.EventMaskAll)

	require.NoError(t, env.srv.Close())
	rec.nextState(t, api.ChannelDown)
	require.NoError(t, env.sys.RemoveHandler(wild))

	env.srv, err = fake.Listen(env.path)
	require.NoError(t, err)
	rec.nextState(t, api.ChannelUp)
	waitTarget(t, env.srv, "a", api.MaskOf(1))

	ts := env.srv.Target()
	_, forwardsAll := ts[api.WildcardService]
	assert.False(t, forwardsAll, "target %v", ts)
	st, err := env.sys.ListenerStats("", "")
	require.NoError(t, err)
	assert.Equal(t, 0, st.WildcardCount)
	assert.Equal(t, api.TargetSet{"a": api.MaskOf(1)}, st.Target)
}

func TestPendingTargetSuppressesMaskDel(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{Target: api.TargetSet{"a": api.MaskOf(1)}})
	require.NoError(t, err)
	waitTarget(t, env.srv, "a", api.MaskOf(1))

	l, err := env.sys.findListener("", "")
	require.NoError(t, err)
	l.mu.Lock()
	st := l.stream
	// A handler for (b, 2) registered after delivery found nobody.
	l.newTarget.Add("b", api.MaskOf(2))
	l.mu.Unlock()
	require.NotNil(t, st)

	require.NoError(t, l.maskDel(st, "b", 2))
	require.NoError(t, l.maskDel(st, "c", 3))
	require.Eventually(t, func() bool {
		for _, m := range env.srv.Masks() {
			if m.Cmd == protocol.MaskDel && m.Entries[0].Service == "c" {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	for _, m := range env.srv.Masks() {
		if m.Cmd == protocol.MaskDel {
			assert.Equal(t, []protocol.MaskEntry{{Service: "c", Mask: api.MaskOf(3)}}, m.Entries)
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	mk := func(name string) HandlerFunc {
		return func(ev *Event, _ any) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
		}
	}
	target := api.TargetSet{"a": api.MaskOf(4)}
	for _, h := range []struct {
		name string
		prio uint32
	}{{"late", 9}, {"early", 1}, {"middle", 5}} {
		_, err := env.sys.AddHandler("", mk(h.name), HandlerAttr{Priority: h.prio, Target: target})
		require.NoError(t, err)
	}
	waitTarget(t, env.srv, "a", api.MaskOf(4))
	require.Equal(t, 1, env.srv.Post("a", 4, nil))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("events not delivered")
	}
	assert.Equal(t, []string{"early", "middle", "late"}, order)
}

func TestDownEventOncePerEpisode(t *testing.T) {
	env := newTestEnv(t)
	rec := newRecorder()
	_, err := env.sys.AddHandler("", rec.handle, HandlerAttr{Target: api.TargetSet{"": api.ChannelStateMask, "a": api.MaskOf(1)}})
	require.NoError(t, err)
	rec.nextState(t, api.ChannelUp)
	waitTarget(t, env.srv, "a", api.MaskOf(1))

	require.NoError(t, env.srv.Close())
	down := rec.nextState(t, api.ChannelDown)
	assert.False(t, down.Up())
	assert.NotEqual(t, api.DownNone, down.DownCode())
	err = env.sys.State("", "")
	assert.True(t, errors.Is(err, api.ErrConnReset), "got %v", err)

	// Several reconnect attempts fail without another down event.
	rec.quiet(t, 300*time.Millisecond)

	env.srv, err = fake.Listen(env.path)
	require.NoError(t, err)
	rec.nextState(t, api.ChannelUp)
	// The target is sent again on the new server session.
	waitTarget(t, env.srv, "a", api.MaskOf(1))
	require.Equal(t, 1, env.srv.Post("a", 1, nil))
	assert.Equal(t, "a", rec.next(t).Service())
}

func TestDroppedListenerReconnects(t *testing.T) {
	env := newTestEnv(t)
	rec := newRecorder()
	_, err := env.sys.AddHandler("", rec.handle, HandlerAttr{})
	require.NoError(t, err)
	rec.nextState(t, api.ChannelUp)
	waitTarget(t, env.srv, api.WildcardService, api.EventMaskAll)

	env.srv.DropConnections()
	rec.nextState(t, api.ChannelDown)
	rec.nextState(t, api.ChannelUp)
	waitTarget(t, env.srv, api.WildcardService, api.EventMaskAll)
	assert.Equal(t, int64(2), env.srv.Accepts())
}

func TestNotifyForKnownListener(t *testing.T) {
	env := newTestEnv(t)
	first := newRecorder()
	_, err := env.sys.AddHandler("", first.handle, HandlerAttr{})
	require.NoError(t, err)
	first.nextState(t, api.ChannelUp)

	second := newRecorder()
	_, err = env.sys.AddHandler("", second.handle, HandlerAttr{Target: api.TargetSet{"": api.ChannelStateMask}})
	require.NoError(t, err)
	ev := second.nextState(t, api.ChannelNotify)
	assert.True(t, ev.Up())

	silent := newRecorder()
	_, err = env.sys.AddHandler("", silent.handle, HandlerAttr{Target: api.TargetSet{"a": api.MaskOf(1)}})
	require.NoError(t, err)
	silent.quiet(t, 100*time.Millisecond)
}

func TestArgDestructorRunsAfterRemoval(t *testing.T) {
	env := newTestEnv(t)
	var destroyed atomic.Value
	id, err := env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{
		Arg:           "payload",
		ArgDestructor: func(arg any) { destroyed.Store(arg) },
	})
	require.NoError(t, err)
	require.NoError(t, env.sys.RemoveHandler(id))
	require.Eventually(t, func() bool { return destroyed.Load() == "payload" }, 3*time.Second, 5*time.Millisecond)

	assert.True(t, errors.Is(env.sys.RemoveHandler(id), api.ErrNotFound))
	_, err = env.sys.ListenerStats("", "")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestHostSets(t *testing.T) {
	env := newTestEnv(t)
	remote, err := fake.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()
	host := remote.Addr()

	require.NoError(t, env.sys.CreateHostSet("remote"))
	assert.True(t, errors.Is(env.sys.CreateHostSet("remote"), api.ErrBusy))
	changed, err := env.sys.AddHost("remote", host)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = env.sys.AddHost("remote", host)
	require.NoError(t, err)
	assert.False(t, changed)
	ok, err := env.sys.HostSetContains("remote", host)
	require.NoError(t, err)
	assert.True(t, ok)

	rec := newRecorder()
	id, err := env.sys.AddHandler("", rec.handle, HandlerAttr{HostSet: "remote"})
	require.NoError(t, err)
	up := rec.nextState(t, api.ChannelUp)
	assert.Equal(t, host, up.Host())
	assert.True(t, errors.Is(env.sys.DestroyHostSet("remote"), api.ErrBusy))

	waitTarget(t, remote, api.WildcardService, api.EventMaskAll)
	require.Equal(t, 1, remote.Post("net", 0, nil))
	ev := rec.next(t)
	assert.Equal(t, host, ev.Host())

	// The local server is not part of the set.
	_, err = env.sys.ListenerStats("", "")
	assert.True(t, errors.Is(err, api.ErrNotFound))

	changed, err = env.sys.RemoveHost("remote", host)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = env.sys.ListenerStats("", host)
	assert.True(t, errors.Is(err, api.ErrNotFound))

	require.NoError(t, env.sys.RemoveHandler(id))
	require.NoError(t, env.sys.DestroyHostSet("remote"))
	assert.True(t, errors.Is(env.sys.DestroyHostSet("remote"), api.ErrNotFound))
}

func TestAddHandlerValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sys.AddHandler("", nil, HandlerAttr{})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{Target: api.TargetSet{"*": 1}})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = env.sys.AddHandler("ipcd@10.0.0.1:1", func(*Event, any) {}, HandlerAttr{})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = env.sys.AddHandler("", func(*Event, any) {}, HandlerAttr{HostSet: "none"})
	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.True(t, errors.Is(env.sys.State("", ""), api.ErrNotFound))
	_, err = env.sys.AddHost("none", "bad host")
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

type countingOps struct {
	created, released atomic.Int32
}

func (o *countingOps) Created(*Event)  { o.created.Add(1) }
func (o *countingOps) Released(*Event) { o.released.Add(1) }

func TestShutdownReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	ops := &countingOps{}
	sys, err := NewSystem(env.rt, WithOps(ops))
	require.NoError(t, err)

	rec := newRecorder()
	var destroyed atomic.Bool
	_, err = sys.AddHandler("", rec.handle, HandlerAttr{ArgDestructor: func(any) { destroyed.Store(true) }})
	require.NoError(t, err)
	rec.nextState(t, api.ChannelUp)
	_, ok := env.rt.DumpState()["event"]
	assert.True(t, ok)

	require.NoError(t, sys.Shutdown())
	require.NoError(t, sys.Shutdown())
	assert.True(t, destroyed.Load())
	assert.Equal(t, ops.created.Load(), ops.released.Load())
	_, err = sys.AddHandler("", rec.handle, HandlerAttr{})
	assert.True(t, errors.Is(err, api.ErrShutdown))
	assert.True(t, errors.Is(sys.CreateHostSet("x"), api.ErrShutdown))
	require.Eventually(t, func() bool { return env.srv.Listeners() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestListenerConnectUsesRuntimeDialer(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := env.rt.Connect(ctx, client.Address{Channel: "ipcd"})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, protocol.RequestEvent(st))
	require.Eventually(t, func() bool { return env.srv.Listeners() == 1 }, 3*time.Second, 5*time.Millisecond)
}
