// Package presence owns the in-memory mapping from user identity to the
// single currently-active connection, and derives online/offline
// transitions from mutations of that mapping.
package presence

import (
	"sync"

	"github.com/beaconlabs/beacon/internal/user"
)

// Conn is one live duplex transport session. Implementations must make
// Deliver best-effort and non-blocking: a slow or dead destination returns
// false instead of stalling the caller.
type Conn interface {
	// Deliver pushes one named event to the peer. The return value reports
	// whether the event was queued; there is no retry on false.
	Deliver(event string, payload any) bool

	// Supersede tells the peer its session has been replaced by a newer
	// registration. The peer is expected to close itself afterwards; the
	// registry never blocks waiting for that.
	Supersede()
}

// Registry maps each identity to at most one Conn. All access goes through
// the mutex-guarded methods; the underlying map is never exposed.
type Registry struct {
	mu    sync.Mutex
	conns map[user.ID]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[user.ID]Conn)}
}

// Register installs conn as the active connection for identity,
// unconditionally replacing any existing entry. A replaced connection that
// differs from conn receives exactly one Supersede signal.
func (r *Registry) Register(identity user.ID, conn Conn) (replaced bool) {
	r.mu.Lock()
	prior := r.conns[identity]
	r.conns[identity] = conn
	r.mu.Unlock()

	if prior != nil && prior != conn {
		prior.Supersede()
		return true
	}
	return false
}

// Unregister removes the mapping only when conn is still the registered
// handle for identity. A stale disconnect racing a newer registration is a
// no-op and must not evict the new connection.
func (r *Registry) Unregister(identity user.ID, conn Conn) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[identity]; ok && current == conn {
		delete(r.conns, identity)
		return true
	}
	return false
}

// Lookup returns the active connection for identity, if any.
func (r *Registry) Lookup(identity user.ID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[identity]
	return conn, ok
}

// Snapshot returns the identities currently online.
func (r *Registry) Snapshot() []user.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]user.ID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Connections returns a copy of the full mapping so callers can fan out
// without holding the registry lock or racing concurrent mutation.
func (r *Registry) Connections() map[user.ID]Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make(map[user.ID]Conn, len(r.conns))
	for id, conn := range r.conns {
		conns[id] = conn
	}
	return conns
}
