package mcp

import "sync"

// SessionRegistry maps async workflow executions to the MCP session that
// submitted them.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[int64]string // executionID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[int64]string)}
}

// Register associates an execution with a session.
func (r *SessionRegistry) Register(executionID int64, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// Take returns and forgets the session of an execution. Only the first caller
// for an execution gets it.
func (r *SessionRegistry) Take(executionID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.sessions[executionID]
	if ok {
		delete(r.sessions, executionID)
	}
	return sid, ok
}

// Remove forgets every execution of a session. Called when the session is gone.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}

// Len returns the number of pending registrations.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
