// File: event/hostset.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Host sets: named groups of server hosts a handler listens to.

package event

import (
	"net"
	"sort"
	"sync"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/client"
)

type hostSet struct {
	name string

	mu    sync.Mutex
	hosts map[string]struct{}
	bound int // handlers using the set, guarded by System.mu
}

func (hs *hostSet) members() []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]string, 0, len(hs.hosts))
	for h := range hs.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// normalizeHost maps "local" to the empty local host and validates
// host:port pairs.
func normalizeHost(host string) (string, error) {
	if host == client.LocalHost || host == "" {
		return "", nil
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return "", api.Wrap(api.ErrCodeInvalidArgument, "bad host address", err).WithContext("host", host)
	}
	return host, nil
}

// CreateHostSet creates an empty host set.
func (sys *System) CreateHostSet(name string) error {
	if name == "" {
		return api.NewError(api.ErrCodeInvalidArgument, "empty host set name")
	}
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.shutdown {
		return api.ErrShutdown
	}
	if _, ok := sys.hostSets[name]; ok {
		return api.NewError(api.ErrCodeBusy, "host set exists").WithContext("hostset", name)
	}
	sys.hostSets[name] = &hostSet{name: name, hosts: make(map[string]struct{})}
	return nil
}

// DestroyHostSet removes a host set no handler is bound to.
func (sys *System) DestroyHostSet(name string) error {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	hs, ok := sys.hostSets[name]
	if !ok {
		return api.NewError(api.ErrCodeNotFound, "unknown host set").WithContext("hostset", name)
	}
	if hs.bound != 0 {
		return api.NewError(api.ErrCodeBusy, "host set in use").WithContext("hostset", name)
	}
	delete(sys.hostSets, name)
	return nil
}

// AddHost adds host to the set. Handlers bound to the set start listening
// to it. It reports whether the set changed.
func (sys *System) AddHost(name, host string) (bool, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return false, err
	}
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.shutdown {
		return false, api.ErrShutdown
	}
	hs, ok := sys.hostSets[name]
	if !ok {
		return false, api.NewError(api.ErrCodeNotFound, "unknown host set").WithContext("hostset", name)
	}
	hs.mu.Lock()
	_, exists := hs.hosts[host]
	hs.hosts[host] = struct{}{}
	hs.mu.Unlock()
	if exists {
		return false, nil
	}
	for _, h := range sys.handlersOf(hs) {
		h.ch.mu.Lock()
		sys.linkLocked(h, host)
		h.ch.mu.Unlock()
	}
	return true, nil
}

// RemoveHost removes host from the set and unlinks its handlers from it.
func (sys *System) RemoveHost(name, host string) (bool, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return false, err
	}
	sys.mu.Lock()
	defer sys.mu.Unlock()
	hs, ok := sys.hostSets[name]
	if !ok {
		return false, api.NewError(api.ErrCodeNotFound, "unknown host set").WithContext("hostset", name)
	}
	hs.mu.Lock()
	_, exists := hs.hosts[host]
	delete(hs.hosts, host)
	hs.mu.Unlock()
	if !exists {
		return false, nil
	}
	for _, h := range sys.handlersOf(hs) {
		h.ch.mu.Lock()
		sys.unlinkLocked(h, host)
		h.ch.mu.Unlock()
	}
	return true, nil
}

// HostSetContains reports whether host is a member of the set.
func (sys *System) HostSetContains(name, host string) (bool, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return false, err
	}
	sys.mu.Lock()
	hs, ok := sys.hostSets[name]
	sys.mu.Unlock()
	if !ok {
		return false, api.NewError(api.ErrCodeNotFound, "unknown host set").WithContext("hostset", name)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	_, found := hs.hosts[host]
	return found, nil
}

// handlersOf returns the handlers bound to hs in id order. System.mu is held.
func (sys *System) handlersOf(hs *hostSet) []*handler {
	var out []*handler
	for _, h := range sys.handlers {
		if h.hs == hs {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
