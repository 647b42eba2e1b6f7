// Package registry tracks live WebSocket connections per chat session so
// events can be fanned out to every participant, including the same user
// connected from multiple tabs.
package registry

import (
	"sync"
)

// Conn is the send side of a live connection. Implementations must be safe
// for concurrent Send calls.
type Conn interface {
	Send(payload []byte) error
}

// Registry is a goroutine-safe map of session -> user -> connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[int64][]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]map[int64][]Conn)}
}

// Connect registers a connection under a session and user. The same user may
// hold several connections at once.
func (r *Registry) Connect(sessionID string, userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.sessions[sessionID]
	if !ok {
		users = make(map[int64][]Conn)
		r.sessions[sessionID] = users
	}
	users[userID] = append(users[userID], conn)
}

// Disconnect removes a connection. Empty user and session entries are pruned
// so the registry never leaks closed sessions.
func (r *Registry) Disconnect(sessionID string, userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.sessions[sessionID]
	if !ok {
		return
	}

	conns := users[userID]
	for i, c := range conns {
		if c == conn {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(conns) == 0 {
		delete(users, userID)
	} else {
		users[userID] = conns
	}
	if len(users) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Broadcast sends payload to every connection in the session except those
// belonging to skipUser. Pass a negative skipUser to reach everyone. Send
// errors are per-connection and do not stop the fan-out; the owning read
// loop notices the dead connection and unregisters it.
func (r *Registry) Broadcast(sessionID string, payload []byte, skipUser int64) {
	r.mu.RLock()
	var targets []Conn
	for userID, conns := range r.sessions[sessionID] {
		if skipUser >= 0 && userID == skipUser {
			continue
		}
		targets = append(targets, conns...)
	}
	r.mu.RUnlock()

	// Sends happen outside the lock so a slow socket cannot stall
	// Connect/Disconnect on other sessions.
	for _, conn := range targets {
		_ = conn.Send(payload)
	}
}

// Count returns the number of live connections in a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.sessions[sessionID] {
		n += len(conns)
	}
	return n
}

// Sessions returns the number of sessions with at least one live connection.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Total returns the number of live connections across all sessions.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, users := range r.sessions {
		for _, conns := range users {
			n += len(conns)
		}
	}
	return n
}
