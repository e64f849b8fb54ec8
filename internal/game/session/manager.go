package session

import "sync"

// Manager is the live registry of connection sessions keyed by user id.
// A user logging in from a second connection replaces the first entry.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*ConnectionSession
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[int64]*ConnectionSession),
	}
}

// Add registers sess under its user id.
//
// Precondition: sess must be non-nil.
// Postcondition: Get(sess.UserID) returns sess. Returns the session it
// displaced, or nil.
func (m *Manager) Add(sess *ConnectionSession) *ConnectionSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.sessions[sess.UserID]
	m.sessions[sess.UserID] = sess
	if prev == sess {
		return nil
	}
	return prev
}

// Remove unregisters sess if the registry still maps its user to it.
//
// Postcondition: Returns true if an entry was removed.
func (m *Manager) Remove(sess *ConnectionSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[sess.UserID]; ok && cur == sess {
		delete(m.sessions, sess.UserID)
		return true
	}
	return false
}

// Get returns the session registered for userID.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (m *Manager) Get(userID int64) (*ConnectionSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	return sess, ok
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
