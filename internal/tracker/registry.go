package tracker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/livetrack/internal/protocol"
)

// Registry is the in-memory session directory of one tracker: the session
// records and, for each session, the one connection currently bound to it.
// Callers only ever see copies of the records.
type Registry struct {
	id       string
	hostname string
	sandbox  bool

	mu       sync.RWMutex
	sessions map[string]*protocol.Session
	bindings map[string]string // session id -> connection id
	byConn   map[string]string // connection id -> session id
}

// NewRegistry creates an empty registry with a fresh identity.
func NewRegistry(hostname string) *Registry {
	return &Registry{
		id:       uuid.NewString(),
		hostname: hostname,
		sessions: make(map[string]*protocol.Session),
		bindings: make(map[string]string),
		byConn:   make(map[string]string),
	}
}

// ID is the registry identity reported as the tracker id.
func (r *Registry) ID() string { return r.id }

// Hostname of the process owning the registry.
func (r *Registry) Hostname() string { return r.hostname }

// Sandbox reports whether this is an isolated test registry.
func (r *Registry) Sandbox() bool { return r.sandbox }

// Rebind describes the bindings a Register call displaced.
type Rebind struct {
	// ReplacedConn was bound to the session before and is no longer used.
	ReplacedConn string
	// OrphanedSession was bound to the registering connection and has lost
	// its connection.
	OrphanedSession string
}

// Register creates or merges the record for id and binds connID to it.
func (r *Registry) Register(id string, data protocol.Session, connID string) Rebind {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		sess = &protocol.Session{}
		r.sessions[id] = sess
	}
	sess.Merge(data)
	sess.ID = id

	var rb Rebind
	if prev, ok := r.bindings[id]; ok && prev != connID {
		delete(r.byConn, prev)
		rb.ReplacedConn = prev
	}
	if other, ok := r.byConn[connID]; ok && other != id {
		delete(r.bindings, other)
		rb.OrphanedSession = other
	}
	r.bindings[id] = connID
	r.byConn[connID] = id
	return rb
}

// Merge folds update into an existing record. It reports false when the
// session is unknown.
func (r *Registry) Merge(id string, update protocol.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	update.ID = ""
	sess.Merge(update)
	return true
}

// Unregister deletes the record for id and its binding. It returns the
// connection that was bound, if any, and whether a record existed.
func (r *Registry) Unregister(id string) (connID string, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed = r.sessions[id]
	delete(r.sessions, id)
	connID, bound := r.bindings[id]
	if bound {
		delete(r.bindings, id)
		delete(r.byConn, connID)
	}
	return connID, existed
}

// RemoveIfUnbound deletes the record for id unless a connection has been
// bound to it again.
func (r *Registry) RemoveIfUnbound(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.bindings[id]; bound {
		return false
	}
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// UnbindConn drops the binding held by connID and returns the session it
// was bound to. The session record stays.
func (r *Registry) UnbindConn(connID string) (sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok = r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if r.bindings[sessionID] == connID {
		delete(r.bindings, sessionID)
	}
	return sessionID, true
}

// Lookup returns a copy of the record for id.
func (r *Registry) Lookup(id string) (protocol.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return protocol.Session{}, false
	}
	return *sess, true
}

// Binding returns the connection bound to session id.
func (r *Registry) Binding(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.bindings[id]
	return connID, ok
}

// SessionForConn returns the session connID is bound to.
func (r *Registry) SessionForConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Sessions returns copies of all records in no particular order.
func (r *Registry) Sessions() []protocol.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of session records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Connections returns the ids of all bound connections.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn))
	for connID := range r.byConn {
		out = append(out, connID)
	}
	return out
}
