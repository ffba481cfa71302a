// File: client/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel registry: per-name socket path and timeout, resolved lazily from
// configuration and cached until purged.

package client

import (
	"sort"
	"sync"
	"time"

	"github.com/momentics/hioload-ipc/control"
)

// Channel is a resolved IPC destination.
type Channel struct {
	name    string
	path    string
	timeout time.Duration
	refs    int // guarded by channelRegistry.mu; the registry holds one
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Path returns the UNIX-domain socket path.
func (c *Channel) Path() string { return c.path }

// Timeout returns the default invoke timeout of the channel.
func (c *Channel) Timeout() time.Duration { return c.timeout }

type channelRegistry struct {
	mu    sync.Mutex
	store *control.Store
	m     map[string]*Channel
}

func newChannelRegistry(store *control.Store) *channelRegistry {
	return &channelRegistry{store: store, m: make(map[string]*Channel)}
}

// acquire returns the channel named name, creating it on first use.
func (r *channelRegistry) acquire(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.m[name]
	if !ok {
		cfg := r.store.Snapshot()
		path, timeout := cfg.ChannelPath(name)
		ch = &Channel{name: name, path: path, timeout: timeout, refs: 1}
		r.m[name] = ch
	}
	ch.refs++
	return ch
}

func (r *channelRegistry) release(ch *Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.refs--
}

// purge drops entries nobody but the registry references. Purged names are
// resolved again from the current configuration on next use.
func (r *channelRegistry) purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, ch := range r.m {
		if ch.refs == 1 {
			ch.refs = 0
			delete(r.m, name)
			n++
		}
	}
	return n
}

// reset drops every registry reference.
func (r *channelRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ch := range r.m {
		ch.refs--
		delete(r.m, name)
	}
}

func (r *channelRegistry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
