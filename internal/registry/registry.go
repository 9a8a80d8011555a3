// Package registry implements the Session Registry: the server-wide map
// from tunnel ID to active Session, with lock-free reads.
package registry

import (
	"errors"
	"sync"

	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

// ErrConflict is returned by Register when the tunnel ID is already held by
// a live session.
var ErrConflict = errors.New("registry: tunnel id already registered")

// Session is the narrow view of a session the registry needs; satisfied by
// *session.Session without registry importing the session package, which
// would otherwise create an import cycle (session ingress code needs to
// query the registry it's registered in).
type Session interface {
	TunnelID() protocol.TunnelID
}

// Registry maps tunnel_id -> Session. Safe for concurrent use; reads never
// block on a writer (spec §4.6).
type Registry struct {
	m sync.Map // protocol.TunnelID -> Session
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register atomically inserts session under tunnelID, failing with
// ErrConflict if a live session already owns it.
func (r *Registry) Register(tunnelID protocol.TunnelID, s Session) error {
	if _, loaded := r.m.LoadOrStore(tunnelID, s); loaded {
		return ErrConflict
	}
	return nil
}

// Lookup returns the session registered for tunnelID, if any.
func (r *Registry) Lookup(tunnelID protocol.TunnelID) (Session, bool) {
	v, ok := r.m.Load(tunnelID)
	if !ok {
		return nil, false
	}
	return v.(Session), true
}

// Deregister removes tunnelID's entry, but only if it still points at s —
// a newer session may have since replaced it, in which case this is a
// no-op (spec §4.6).
func (r *Registry) Deregister(tunnelID protocol.TunnelID, s Session) {
	r.m.CompareAndDelete(tunnelID, s)
}

// List returns a snapshot of every currently registered session, for
// observability.
func (r *Registry) List() []Session {
	var out []Session
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(Session))
		return true
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
