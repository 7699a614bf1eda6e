// Package flowmemory implements the controller-side client-to-backend
// binding cache: once the dispatcher has picked a backend for a
// (client, service) pair, subsequent packets on that flow bypass the
// dispatcher entirely as long as the entry stays within its idle window.
package flowmemory

import (
	"sync"
	"time"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/topology"
)

// Entry is a single remembered binding. Port of the client is
// deliberately absent from both lookup keys: a client reconnecting from
// a new ephemeral port must still hit the same backend.
type Entry struct {
	Src     addr.Socket
	Dst     addr.Socket
	Edge    *topology.Edge
	expires time.Time
}

type fwdKey struct {
	srcIP addr.IPv4
	dst   addr.Key
}

type retKey struct {
	edge  *topology.Edge
	srcIP addr.IPv4
}

// Memory is a bidirectional binding cache with per-entry idle timeout.
// The zero value is not usable; use New.
type Memory struct {
	idle time.Duration

	mu  sync.RWMutex
	fwd map[fwdKey]*Entry
	ret map[retKey]*Entry
}

// New returns an empty Memory whose entries expire after idle has
// elapsed since their last access. Per spec this is conventionally
// 10x the configured flow idle timeout.
func New(idle time.Duration) *Memory {
	return &Memory{
		idle: idle,
		fwd:  make(map[fwdKey]*Entry),
		ret:  make(map[retKey]*Entry),
	}
}

func makeFwdKey(src, dst addr.Socket) fwdKey {
	return fwdKey{srcIP: src.IP, dst: dst.Key()}
}

func makeRetKey(edge *topology.Edge, srcIP addr.IPv4) retKey {
	return retKey{edge: edge, srcIP: srcIP}
}

// Add records a new binding, indexing it under both the forward
// (src.ip, dst) and return (edge, src.ip) keys.
func (m *Memory) Add(src, dst addr.Socket, edge *topology.Edge) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &Entry{Src: src, Dst: dst, Edge: edge, expires: time.Now().Add(m.idle)}
	m.fwd[makeFwdKey(src, dst)] = e
	m.ret[makeRetKey(edge, src.IP)] = e
	return e
}

// GetFwd sweeps expired entries, then looks up (src.ip, dst); a hit
// refreshes the entry's timeout.
func (m *Memory) GetFwd(src, dst addr.Socket) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	e, ok := m.fwd[makeFwdKey(src, dst)]
	if !ok {
		return nil, false
	}
	e.expires = time.Now().Add(m.idle)
	return e, true
}

// GetRet looks up (edge, src.ip) and refreshes the entry's timeout. It
// does not sweep expired entries first, per spec: the return path is
// hot and should not pay the sweep cost on every reverse packet.
func (m *Memory) GetRet(edge *topology.Edge, srcIP addr.IPv4) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.ret[makeRetKey(edge, srcIP)]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(m.ret, makeRetKey(edge, srcIP))
		delete(m.fwd, makeFwdKey(e.Src, e.Dst))
		return nil, false
	}
	e.expires = time.Now().Add(m.idle)
	return e, true
}

// sweepLocked removes every entry whose idle timeout has elapsed from
// both indexes atomically. Callers must hold the write lock.
func (m *Memory) sweepLocked() {
	now := time.Now()
	for k, e := range m.fwd {
		if now.After(e.expires) {
			delete(m.fwd, k)
			delete(m.ret, makeRetKey(e.Edge, e.Src.IP))
		}
	}
}

// Len returns the number of live entries as of the last sweep; it does
// not trigger a sweep itself.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fwd)
}
