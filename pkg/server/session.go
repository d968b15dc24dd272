package server

import (
	"sync"
	"sync/atomic"

	"github.com/chatrelay/relay/pkg/protocol"
)

// Session represents one accepted connection. The acceptor creates it
// and hands the transport to the session's read loop; the Registry only
// holds a non-owning reference for routing.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	mu       sync.RWMutex
	identity *protocol.Identity // nil until the peer announces one
}

// Identity returns the attached identity, if any.
func (s *Session) Identity() (protocol.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return protocol.Identity{}, false
	}
	return *s.identity, true
}

// Username returns the attached display name, or "" for anonymous.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return ""
	}
	return s.identity.Username
}

// attachIdentity sets or updates the session identity. The slot is
// written at most once per connection; repeats only refresh the display
// name and avatar. Reports whether this was the first attach.
func (s *Session) attachIdentity(id protocol.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.identity == nil
	s.identity = &id
	return first
}

// Registry is the concurrency-safe collection of live sessions. It is
// the only object mutated by more than one worker, so every operation
// takes the one mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewRegistry creates an empty session registry.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		nextID:   1,
		metrics:  metrics,
	}
}

// Add creates a Session for the transport, inserts it, and returns it.
func (r *Registry) Add(conn *SafeConn) *Session {
	sess := &Session{
		ID:         atomic.AddUint64(&r.nextID, 1) - 1,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(count))
		r.metrics.ConnectionsTotal.Inc()
	}

	return sess
}

// Remove deletes a session and closes its transport. Idempotent:
// removing an absent ID is a no-op. Reports whether the session was
// present, so teardown side effects (the "left" notice) happen exactly
// once no matter how many workers race to remove a dead peer.
func (r *Registry) Remove(sessionID uint64) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, sessionID)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(count))
	}

	sess.Conn.Close()
	return sess, true
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Snapshot returns the live sessions at call time. The router fans out
// against the snapshot so the registry lock is never held during the
// potentially slow per-target writes.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// CloseAll closes every transport and empties the registry. Used during
// shutdown to unblock all session read loops.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		sess.Conn.Close()
	}
	r.sessions = make(map[uint64]*Session)

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(0)
	}
}
