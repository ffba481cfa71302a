// File: client/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection pools: capacity-bounded LRU caches of alternate connections
// keyed by channel address, plus the process-wide alternate table.

package client

import (
	"container/list"
	"math"
	"sort"
	"sync"

	"github.com/momentics/hioload-ipc/api"
)

const firstAltID api.ConnID = 2

const firstDynamicPool api.PoolID = 2

type poolEntry struct {
	key  string
	conn *Conn
	refs int
	aged bool
	elem *list.Element
}

// Pool caches connections. The LRU list and the entry table are changed
// only under mu, nested inside Runtime.mu.
type Pool struct {
	id       api.PoolID
	capacity int

	mu       sync.Mutex
	entries  map[string]*poolEntry
	lru      *list.List // front is most recently used
	uncached map[*Conn]struct{}
}

func newPool(id api.PoolID, capacity int) *Pool {
	return &Pool{
		id:       id,
		capacity: capacity,
		entries:  make(map[string]*poolEntry),
		lru:      list.New(),
		uncached: make(map[*Conn]struct{}),
	}
}

// ID returns the pool id.
func (p *Pool) ID() api.PoolID { return p.id }

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	ID       api.PoolID
	Capacity int
	Cached   int
	Uncached int
	Idle     int
	Aged     int
}

func (p *Pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{ID: p.id, Capacity: p.capacity, Cached: len(p.entries), Uncached: len(p.uncached)}
	for _, e := range p.entries {
		if e.refs == 0 {
			st.Idle++
		}
		if e.aged {
			st.Aged++
		}
	}
	return st
}

// lookup returns the cached connection of key and takes an entry reference.
func (p *Pool) lookup(key string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	e.refs++
	e.aged = false
	p.lru.MoveToFront(e.elem)
	return e.conn
}

// victimLocked picks the least recently used idle entry, preferring one
// without bound sessions.
func (p *Pool) victimLocked() *poolEntry {
	var first *poolEntry
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*poolEntry)
		if e.refs != 0 {
			continue
		}
		if e.conn.numSessions() == 0 {
			return e
		}
		if first == nil {
			first = e
		}
	}
	return first
}

func (p *Pool) removeLocked(e *poolEntry) {
	delete(p.entries, e.key)
	p.lru.Remove(e.elem)
	e.conn.entry = nil
}

// OpenAlternate creates a new connection outside of any pool.
func (rt *Runtime) OpenAlternate(address string) (api.ConnID, error) {
	addr, err := ParseAddress(address, rt.defaultChannel())
	if err != nil {
		return api.ConnInvalid, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return api.ConnInvalid, api.ErrShutdown
	}
	c := newConn(rt, addr)
	if err := rt.assignIDLocked(c); err != nil {
		c.destroy()
		return api.ConnInvalid, err
	}
	rt.log.Debug().Uint32("conn", uint32(c.id)).Str("address", addr.String()).Msg("alternate connection opened")
	return c.id, nil
}

// CloseAlternate closes a connection opened by OpenAlternate. Pool-managed
// connections are refused with api.ErrBusy.
func (rt *Runtime) CloseAlternate(id api.ConnID) error {
	if id == api.ConnDefault {
		return api.NewError(api.ErrCodePermission, "default connection cannot be closed")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c, ok := rt.alt[id]
	if !ok {
		return api.NewError(api.ErrCodeNotFound, "unknown connection").WithContext("conn", id)
	}
	if c.pool != nil {
		return api.NewError(api.ErrCodeBusy, "connection is pool-managed").WithContext("conn", id)
	}
	rt.unlinkLocked(c)
	return nil
}

// assignIDLocked registers c in the alternate table under the next free
// id. Ids wrap within the configured space, skipping reserved ids.
func (rt *Runtime) assignIDLocked(c *Conn) error {
	limit := uint64(rt.cfgMaxAlternate())
	if ceiling := uint64(math.MaxUint32) - uint64(firstAltID); limit > ceiling {
		limit = ceiling
	}
	end := uint64(firstAltID) + limit
	for i := uint64(0); i < limit; i++ {
		id := rt.nextID
		rt.nextID++
		if uint64(rt.nextID) >= end || rt.nextID < firstAltID {
			rt.nextID = firstAltID
		}
		if uint64(id) >= end || id < firstAltID {
			continue
		}
		if _, used := rt.alt[id]; !used {
			c.id = id
			rt.alt[id] = c
			return nil
		}
	}
	return api.NewError(api.ErrCodeResourceExhausted, "too many open connections")
}

// unlinkLocked removes c from the alternate table and closes it. A
// connection still referenced by sessions lingers on the dead list until
// its last session goes away.
func (rt *Runtime) unlinkLocked(c *Conn) {
	if rt.alt[c.id] == c {
		delete(rt.alt, c.id)
	}
	c.pool = nil
	c.entry = nil
	c.shutdown()
	if c.refs.Add(-1) > 0 {
		c.dead = true
		rt.dead[c] = struct{}{}
		return
	}
	c.destroy()
}

// releaseConnLocked drops a session reference.
func (rt *Runtime) releaseConnLocked(c *Conn) {
	if c.refs.Add(-1) > 0 || c.id == api.ConnDefault {
		return
	}
	if c.dead {
		delete(rt.dead, c)
		c.dead = false
	}
	c.destroy()
}

// PoolCreate creates a dynamic pool holding at most capacity connections.
func (rt *Runtime) PoolCreate(capacity int) (api.PoolID, error) {
	if capacity <= 0 {
		return api.PoolInvalid, api.NewError(api.ErrCodeInvalidArgument, "pool capacity must be positive")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return api.PoolInvalid, api.ErrShutdown
	}
	for i := 0; i < math.MaxUint16; i++ {
		id := rt.nextPool
		rt.nextPool++
		if rt.nextPool < firstDynamicPool {
			rt.nextPool = firstDynamicPool
		}
		if id < firstDynamicPool {
			continue
		}
		if _, used := rt.pools[id]; !used {
			rt.pools[id] = newPool(id, capacity)
			return id, nil
		}
	}
	return api.PoolInvalid, api.NewError(api.ErrCodeResourceExhausted, "too many pools")
}

// PoolDestroy force-closes every connection of a dynamic pool and removes
// it. The connections leave the alternate table in the same transaction.
func (rt *Runtime) PoolDestroy(id api.PoolID) error {
	if id == api.PoolGlobal {
		return api.NewError(api.ErrCodePermission, "global pool cannot be destroyed")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.pools[id]
	if !ok {
		return api.NewError(api.ErrCodeNotFound, "unknown pool").WithContext("pool", id)
	}
	delete(rt.pools, id)
	rt.drainPoolLocked(p)
	return nil
}

func (rt *Runtime) drainPoolLocked(p *Pool) {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.entries)+len(p.uncached))
	for el := p.lru.Front(); el != nil; el = el.Next() {
		conns = append(conns, el.Value.(*poolEntry).conn)
	}
	for c := range p.uncached {
		conns = append(conns, c)
	}
	p.entries = make(map[string]*poolEntry)
	p.lru.Init()
	p.uncached = make(map[*Conn]struct{})
	p.mu.Unlock()
	for _, c := range conns {
		rt.unlinkLocked(c)
	}
}

// PoolOpen returns a pooled connection to address, creating it on a miss.
func (rt *Runtime) PoolOpen(pool api.PoolID, address string) (api.ConnID, error) {
	addr, err := ParseAddress(address, rt.defaultChannel())
	if err != nil {
		return api.ConnInvalid, err
	}
	key := addr.String()

	rt.mu.RLock()
	if rt.closed {
		rt.mu.RUnlock()
		return api.ConnInvalid, api.ErrShutdown
	}
	p, ok := rt.pools[pool]
	if !ok {
		rt.mu.RUnlock()
		return api.ConnInvalid, api.NewError(api.ErrCodeNotFound, "unknown pool").WithContext("pool", pool)
	}
	if c := p.lookup(key); c != nil {
		id := c.id
		rt.mu.RUnlock()
		return id, nil
	}
	rt.mu.RUnlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return api.ConnInvalid, api.ErrShutdown
	}
	// Another caller may have won the race for the write lock.
	if p, ok = rt.pools[pool]; !ok {
		return api.ConnInvalid, api.NewError(api.ErrCodeNotFound, "unknown pool").WithContext("pool", pool)
	}
	if c := p.lookup(key); c != nil {
		return c.id, nil
	}

	c := newConn(rt, addr)
	if err := rt.assignIDLocked(c); err != nil {
		c.destroy()
		return api.ConnInvalid, err
	}
	c.pool = p

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.capacity {
		v := p.victimLocked()
		if v == nil {
			p.uncached[c] = struct{}{}
			rt.log.Debug().Uint32("pool", uint32(p.id)).Str("address", key).Msg("pool full, connection left uncached")
			return c.id, nil
		}
		p.removeLocked(v)
		rt.log.Debug().Uint32("pool", uint32(p.id)).Str("evicted", v.key).Msg("pool entry evicted")
		rt.unlinkLocked(v.conn)
	}
	e := &poolEntry{key: key, conn: c, refs: 1}
	e.elem = p.lru.PushFront(e)
	p.entries[key] = e
	c.entry = e
	return c.id, nil
}

// PoolClose returns a pooled connection. Without force a cached connection
// stays resident for reuse; an uncached one is closed at once.
func (rt *Runtime) PoolClose(pool api.PoolID, id api.ConnID, force bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.pools[pool]
	if !ok {
		return api.NewError(api.ErrCodeNotFound, "unknown pool").WithContext("pool", pool)
	}
	c, ok := rt.alt[id]
	if !ok {
		return api.NewError(api.ErrCodeNotFound, "unknown connection").WithContext("conn", id)
	}
	if c.pool != p {
		return api.NewError(api.ErrCodePermission, "connection not owned by pool").WithContext("conn", id)
	}

	p.mu.Lock()
	if e := c.entry; e != nil {
		if !force {
			if e.refs > 0 {
				e.refs--
			}
			p.mu.Unlock()
			return nil
		}
		p.removeLocked(e)
	} else {
		delete(p.uncached, c)
	}
	p.mu.Unlock()
	rt.unlinkLocked(c)
	return nil
}

// Reap evicts idle cached connections of every pool and returns how many
// were closed. A forced reap evicts every unreferenced entry. Otherwise an
// idle entry without sessions is marked aged on its first visit and evicted
// on the next one if nobody used it in between.
func (rt *Runtime) Reap(forced bool) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]api.PoolID, 0, len(rt.pools))
	for id := range rt.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, id := range ids {
		p := rt.pools[id]
		p.mu.Lock()
		var victims []*poolEntry
		for el := p.lru.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*poolEntry)
			if e.refs != 0 {
				continue
			}
			switch {
			case forced:
				victims = append(victims, e)
			case e.conn.numSessions() != 0:
			case e.aged:
				victims = append(victims, e)
			default:
				e.aged = true
			}
		}
		for _, e := range victims {
			p.removeLocked(e)
			rt.unlinkLocked(e.conn)
		}
		p.mu.Unlock()
		n += len(victims)
	}
	if n > 0 {
		rt.log.Info().Int("evicted", n).Bool("forced", forced).Msg("connection pools reaped")
	}
	return n
}

// PoolStats reports pool occupancy.
func (rt *Runtime) PoolStats(id api.PoolID) (PoolStats, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.pools[id]
	if !ok {
		return PoolStats{}, api.NewError(api.ErrCodeNotFound, "unknown pool").WithContext("pool", id)
	}
	return p.stats(), nil
}
