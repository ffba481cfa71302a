package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/fake"
	"github.com/momentics/hioload-ipc/protocol"
)

func echoService(_ context.Context, _ uint32, args *protocol.Message) (int32, *protocol.Message) {
	return int32(args.Len()), args
}

// socketDir returns a short directory: socket paths are limited to about
// a hundred bytes.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func newTestRuntime(t *testing.T, mutate func(*control.Config)) (*Runtime, *fake.Server) {
	t.Helper()
	cfg := control.Defaults()
	cfg.SocketDir = socketDir(t)
	cfg.DefaultTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := fake.Listen(filepath.Join(cfg.SocketDir, cfg.DefaultChannel))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	srv.Handle("echo", echoService)

	rt, err := NewRuntime(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, srv
}

// blockingService blocks each request until release is closed.
func blockingService(release <-chan struct{}) fake.Service {
	return func(ctx context.Context, _ uint32, _ *protocol.Message) (int32, *protocol.Message) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 1, nil
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)

	s, err := rt.NewSession(api.ConnDefault, "echo", 7, 0)
	require.NoError(t, err)
	s.Output().AddInt32(5).AddString("hi")

	code, err := s.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), code)
	assert.Equal(t, api.SessionResult, s.State())
	require.Equal(t, 2, s.ResponseCount())
	v, err := s.ResponseAt(1)
	require.NoError(t, err)
	assert.Equal(t, "hi", v.String())
	assert.Zero(t, s.Output().Len())

	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrBusy))

	require.NoError(t, s.Reset("echo", 8))
	code, err = s.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), code)

	st, err := rt.ConnStats(api.ConnDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Connects)
	assert.Equal(t, int64(2), st.Invokes)
	assert.True(t, st.Connected)
	assert.Equal(t, int64(1), srv.Accepts())
	assert.Equal(t, int64(1), srv.Pings())
}

func TestUnknownServiceKeepsStream(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)

	s, err := rt.NewSession(api.ConnDefault, "missing", 0, 0)
	require.NoError(t, err)
	_, err = s.Invoke(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNotImplemented))
	assert.Equal(t, api.SessionReady, s.State())

	require.NoError(t, s.Reset("echo", 0))
	_, err = s.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.Accepts())
}

func TestStalePingReconnects(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)

	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)
	_, err = s.Invoke(context.Background())
	require.NoError(t, err)

	srv.SetCorruptPing(true)
	require.NoError(t, s.Reset("echo", 0))
	_, err = s.Invoke(context.Background())
	require.NoError(t, err)

	st, err := rt.ConnStats(api.ConnDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Stale)
	assert.Equal(t, int64(2), st.Connects)
	assert.Equal(t, int64(2), srv.Accepts())
}

func TestDroppedConnectionReconnects(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)

	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)
	_, err = s.Invoke(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, srv.DropConnections())
	require.NoError(t, s.Reset("echo", 0))
	_, err = s.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.Accepts())
}

func TestHandshakeRejected(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)

	srv.SetMagic(protocol.ProtoMagicTooMany)
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrServerBusy), "got %v", err)

	srv.SetMagic(0x55)
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrProtocol), "got %v", err)

	srv.SetMagic(protocol.ProtoMagic)
	_, err = s.Invoke(context.Background())
	assert.NoError(t, err)
}

func TestConnectRefusedWithoutSocket(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	require.NoError(t, rt.SetDefault("nobody"))
	assert.Equal(t, "nobody", rt.DefaultAddress().Channel)

	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrConnRefused), "got %v", err)
	assert.Equal(t, api.SessionReady, s.State())
}

func TestInvokeOverTCP(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	srv, err := fake.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()
	srv.Handle("echo", echoService)

	id, err := rt.OpenAlternate("ipcd@" + srv.Addr())
	require.NoError(t, err)
	s, err := rt.NewSession(id, "echo", 0, 0)
	require.NoError(t, err)
	s.Output().AddString("x")
	code, err := s.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), code)
	require.NoError(t, s.Destroy())
	require.NoError(t, rt.CloseAlternate(id))
}

func TestInvokeTimeout(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	defer close(release)
	srv.Handle("block", blockingService(release))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, 0)
	require.NoError(t, err)
	s.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, api.SessionReady, s.State())

	st, err := rt.ConnStats(api.ConnDefault)
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestInvokeContextCanceled(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	defer close(release)
	srv.Handle("block", blockingService(release))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = s.Invoke(ctx)
	assert.True(t, errors.Is(err, api.ErrCanceled), "got %v", err)
}

func TestConcurrentInvokesShareOneStream(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	srv.Handle("slow", func(_ context.Context, _ uint32, _ *protocol.Message) (int32, *protocol.Message) {
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		s, err := rt.NewSession(api.ConnDefault, "slow", uint32(i), 0)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Invoke(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	st, err := rt.ConnStats(api.ConnDefault)
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.PeakActive)
	assert.Equal(t, int64(n), st.Invokes)
	assert.Equal(t, int64(1), srv.Accepts())
}

func waitCanceller(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.canceller != nil
	}, 2*time.Second, time.Millisecond)
}

func TestSessionCancelWhileWaitingForConnection(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	srv.Handle("block", blockingService(release))

	holder, err := rt.NewSession(api.ConnDefault, "block", 0, 0)
	require.NoError(t, err)
	held := make(chan error, 1)
	go func() {
		_, err := holder.Invoke(context.Background())
		held <- err
	}()
	require.Eventually(t, func() bool { return srv.Invokes() == 1 }, 2*time.Second, time.Millisecond)

	waiter, err := rt.NewSession(api.ConnDefault, "echo", 0, api.SessionCancelable)
	require.NoError(t, err)
	waited := make(chan error, 1)
	go func() {
		_, err := waiter.Invoke(context.Background())
		waited <- err
	}()
	waitCanceller(t, waiter)
	require.NoError(t, waiter.Cancel(false))

	select {
	case err := <-waited:
		assert.True(t, errors.Is(err, api.ErrCanceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled session did not return")
	}
	assert.Equal(t, api.SessionReady, waiter.State())
	assert.False(t, waiter.Frozen())

	close(release)
	require.NoError(t, <-held)

	// A new canceller is created for the next invocation.
	_, err = waiter.Invoke(context.Background())
	assert.NoError(t, err)
}

func TestSessionCancelDiscard(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	defer close(release)
	srv.Handle("block", blockingService(release))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, api.SessionCancelable)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background())
		done <- err
	}()
	waitCanceller(t, s)
	require.NoError(t, s.Cancel(true))

	err = <-done
	assert.True(t, errors.Is(err, api.ErrCanceled), "got %v", err)
	var e *api.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "session", e.Context["canceller"])
	assert.Equal(t, api.SessionDiscard, s.State())
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrShutdown))
	assert.True(t, errors.Is(s.Reset("echo", 0), api.ErrShutdown))
}

func TestCancelRequiresCancelableSession(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Cancel(false), api.ErrPermission))

	_, err = rt.NewSession(api.ConnDefault, "echo", 0, api.SessionFlags(1<<7))
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = rt.NewSession(api.ConnDefault, "*", 0, 0)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = rt.NewSession(42, "echo", 0, 0)
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestGlobalCancelWakesBlockedInvoke(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	defer close(release)
	srv.Handle("block", blockingService(release))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, 0)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.Invokes() == 1 }, 2*time.Second, time.Millisecond)
	rt.Cancel(false)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, api.ErrCanceled), "got %v", err)
		var e *api.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, "global", e.Context["canceller"])
	case <-time.After(2 * time.Second):
		t.Fatal("global cancel did not wake the invocation")
	}
	assert.False(t, rt.Disabled())

	require.NoError(t, s.Reset("echo", 0))
	_, err = s.Invoke(context.Background())
	assert.NoError(t, err)
}

func TestGlobalCancelSparesNoGlobalCancelSessions(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	srv.Handle("block", blockingService(release))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, api.SessionNoGlobalCancel)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background())
		done <- err
	}()
	waitCanceller(t, s)
	require.Eventually(t, func() bool { return srv.Invokes() == 1 }, 2*time.Second, time.Millisecond)

	rt.Cancel(false)
	select {
	case err := <-done:
		t.Fatalf("invocation ended early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	rt.Cancel(true)
	assert.True(t, rt.Disabled())
	require.NoError(t, s.Reset("echo", 0))
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrConnectionAborted), "got %v", err)
}

func TestSetDefaultBusyWithSessions(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)

	assert.True(t, errors.Is(rt.SetDefault("other"), api.ErrBusy))
	require.NoError(t, s.Destroy())
	require.NoError(t, s.Destroy())
	require.NoError(t, rt.SetDefault("other@127.0.0.1:4000"))
	assert.Equal(t, Address{Channel: "other", Host: "127.0.0.1:4000"}, rt.DefaultAddress())
}

func TestDestroyBusySession(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	srv.Handle("block", blockingService(release))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, 0)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.Invokes() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, errors.Is(s.Destroy(), api.ErrBusy))

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, s.Destroy())
}

func TestRuntimeResetFreezesAlternateSessions(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	id, err := rt.PoolOpen(api.PoolGlobal, "")
	require.NoError(t, err)
	s, err := rt.NewSession(id, "echo", 0, 0)
	require.NoError(t, err)

	rt.Reset()
	assert.True(t, s.Frozen())
	_, err = rt.ConnStats(id)
	assert.True(t, errors.Is(err, api.ErrNotFound))
	ps, err := rt.PoolStats(api.PoolGlobal)
	require.NoError(t, err)
	assert.Zero(t, ps.Cached)

	assert.True(t, errors.Is(s.Reset("echo", 0), api.ErrShutdown))
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrShutdown))
	assert.Equal(t, api.SessionDiscard, s.State())
	require.NoError(t, s.Destroy())
}

func TestCloseFreezesDefaultSessions(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	assert.True(t, s.Frozen())
	_, err = rt.NewSession(api.ConnDefault, "echo", 0, 0)
	assert.True(t, errors.Is(err, api.ErrShutdown))
	_, ok := rt.DumpState()["client"]
	assert.False(t, ok)
}

func TestSetLogEnabledThroughStore(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	assert.False(t, rt.Logger().Enabled())
	require.NoError(t, rt.SetLogEnabled(true))
	assert.True(t, rt.Logger().Enabled())
	assert.True(t, rt.Config().Log.Enabled)
}

func TestAbortServerFailsInFlightInvoke(t *testing.T) {
	rt, srv := newTestRuntime(t, nil)
	release := make(chan struct{})
	defer close(release)
	srv.Handle("block", blockingService(release))

	assert.Zero(t, rt.AbortServer(rt.DefaultAddress()))

	s, err := rt.NewSession(api.ConnDefault, "block", 0, 0)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.Invokes() == 1 }, 2*time.Second, time.Millisecond)

	other, err := ParseAddress("other", "ipcd")
	require.NoError(t, err)
	assert.Zero(t, rt.AbortServer(other))
	assert.Equal(t, 1, rt.AbortServer(rt.DefaultAddress()))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, api.ErrCanceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not wake the invocation")
	}
}

func TestRejectedInvokeResetsOutput(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s, err := rt.NewSession(api.ConnDefault, "echo", 0, 0)
	require.NoError(t, err)
	_, err = s.Invoke(context.Background())
	require.NoError(t, err)

	// Result state.
	s.Output().AddInt32(1)
	_, err = s.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrBusy), "got %v", err)
	assert.Zero(t, s.Output().Len())

	// Frozen, then discarded.
	id, err := rt.PoolOpen(api.PoolGlobal, "")
	require.NoError(t, err)
	alt, err := rt.NewSession(id, "echo", 0, 0)
	require.NoError(t, err)
	rt.Reset()
	alt.Output().AddString("x")
	_, err = alt.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrShutdown))
	assert.Zero(t, alt.Output().Len())
	alt.Output().AddString("y")
	_, err = alt.Invoke(context.Background())
	assert.True(t, errors.Is(err, api.ErrShutdown))
	assert.Zero(t, alt.Output().Len())
}
