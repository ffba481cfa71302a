//go:build linux

package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(8)
	require.NoError(t, err)
	go func() { _ = r.Run() }()
	t.Cleanup(func() {
		r.Shutdown()
		r.Wait()
		_ = r.Close()
	})
	return r
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	r := startReactor(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	base := time.Now().Add(20 * time.Millisecond)
	for i, off := range []int{30, 10, 20, 10} {
		i := i
		_, err := r.Schedule(base.Add(time.Duration(off)*time.Millisecond), func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 4 {
				close(done)
			}
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	// equal deadlines keep insertion order
	assert.Equal(t, []int{1, 3, 2, 0}, order)
}

func TestTimerStop(t *testing.T) {
	r := startReactor(t)

	fired := make(chan struct{}, 1)
	tm, err := r.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	assert.Equal(t, 0, r.Pending())

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOneShotReadinessAndRearm(t *testing.T) {
	r := startReactor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	hits := make(chan Events, 4)
	require.NoError(t, r.Register(fds[0], func(fd int, ev Events) { hits <- ev }))
	assert.ErrorIs(t, r.Register(fds[0], func(int, Events) {}), ErrRegistered)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	select {
	case ev := <-hits:
		assert.NotZero(t, ev&EventRead)
	case <-time.After(time.Second):
		t.Fatal("no readiness")
	}

	// Unread data but not rearmed: no second notification.
	select {
	case <-hits:
		t.Fatal("one-shot registration fired twice")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.Rearm(fds[0]))
	select {
	case <-hits:
	case <-time.After(time.Second):
		t.Fatal("rearm did not deliver pending input")
	}

	require.NoError(t, r.Unregister(fds[0]))
	assert.ErrorIs(t, r.Rearm(fds[0]), ErrNotRegistered)
	assert.Equal(t, 0, r.Registered())
}

func TestShutdownDiscardsTimers(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	exited := make(chan error, 1)
	go func() { exited <- r.Run() }()

	// Wait for the loop to be live before shutting it down.
	started := make(chan struct{})
	_, err = r.AfterFunc(time.Millisecond, func() { close(started) })
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("reactor did not start")
	}

	stopped, err := r.AfterFunc(time.Hour, func() { t.Error("discarded timer fired") })
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	r.Shutdown()
	assert.Equal(t, 0, r.Pending())
	assert.False(t, stopped.Stop())
	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop")
	}
	_, err = r.AfterFunc(time.Millisecond, func() {})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, r.Close())
}

func TestShutdownBeforeRunDiscardsTimers(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	_, err = r.AfterFunc(time.Hour, func() { t.Error("discarded timer fired") })
	require.NoError(t, err)

	r.Shutdown()
	assert.Equal(t, 0, r.Pending())
	assert.ErrorIs(t, r.Run(), ErrClosed)
	r.Wait()
	require.NoError(t, r.Close())
}
