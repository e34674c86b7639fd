// Package session tracks the set of currently connected sessions and
// periodically re-validates them against their backing records.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyConnected is returned when a session ID is registered while a
// live connection for it already exists. Sessions are single-seat: the
// first connection wins and the second upgrade must be rejected, never
// silently replace the first.
var ErrAlreadyConnected = errors.New("session already connected")

// Conn is the weak, non-owning handle the registry holds for each session.
// The transport layer owns the connection's lifecycle; the registry only
// pushes data out and may request a close with a reason.
type Conn interface {
	Push(payload []byte) error
	Close(reason string) error
}

type entry struct {
	agentID  string
	conn     Conn
	openedAt time.Time
}

// Registry is the owner of all live session handles. All access goes
// through its methods; the underlying map is never exposed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry // session_id -> entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Register binds a connection to a session ID. Fails with
// ErrAlreadyConnected if the session already has a live connection.
func (r *Registry) Register(sessionID, agentID string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return ErrAlreadyConnected
	}
	r.sessions[sessionID] = &entry{agentID: agentID, conn: conn, openedAt: time.Now()}
	return nil
}

// Unregister removes a session. Idempotent: removing an absent session is
// a no-op. Called on every disconnect path regardless of cause.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Snapshot describes one registered session.
type Snapshot struct {
	SessionID string
	AgentID   string
	OpenedAt  time.Time
}

// Sessions returns a point-in-time copy of all registered sessions.
func (r *Registry) Sessions() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, Snapshot{SessionID: id, AgentID: e.agentID, OpenedAt: e.openedAt})
	}
	return out
}

// Connected reports whether the session has a live connection.
func (r *Registry) Connected(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// AgentFor returns the agent bound to a live session.
func (r *Registry) AgentFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return e.agentID, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AgentSessionCount returns how many live sessions an agent has.
func (r *Registry) AgentSessionCount(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.sessions {
		if e.agentID == agentID {
			n++
		}
	}
	return n
}

// Broadcast pushes payload to every session whose agent matches pred,
// skipping excludeSessionID. Push failures are swallowed per recipient so
// one bad peer cannot abort delivery to the rest; failed pushes do not
// count toward the returned total.
func (r *Registry) Broadcast(payload []byte, pred func(agentID string) bool, excludeSessionID string) int {
	type target struct {
		conn Conn
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.sessions))
	for id, e := range r.sessions {
		if id == excludeSessionID {
			continue
		}
		if pred(e.agentID) {
			targets = append(targets, target{conn: e.conn})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.conn.Push(payload); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// Evict closes a session's connection with the given reason and removes it.
// Returns false if the session was not registered.
func (r *Registry) Evict(sessionID, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = e.conn.Close(reason)
	return true
}

// CloseAll evicts every session. Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.Sessions() {
		r.Evict(s.SessionID, reason)
	}
}
