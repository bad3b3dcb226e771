// Package live serves the browser side of voice coaching sessions over WebSocket.
package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks open browser sockets per learner and tab.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the open socket for a learner tab.
func (m *SessionManager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Count returns the number of open sockets.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// Register records conn for a learner tab. An older socket for the same tab
// is closed, which ends its voice session.
func (m *SessionManager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		go func() { _ = existing.Close(websocket.StatusNormalClosure, "session replaced") }()
	}

	m.active[userID][sessionID] = conn
	slog.Info("Voice socket registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the current socket for the tab.
func (m *SessionManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Voice socket unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession closes every socket of a learner.
func (m *SessionManager) CloseSession(userID string) {
	m.mu.Lock()
	sessions, ok := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()
	if !ok {
		return
	}

	for sid, conn := range sessions {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Voice socket closed", "user_id", userID, "session_id", sid)
	}
}

// CloseAll closes every open socket, used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*websocket.Conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sessions := range active {
		for _, conn := range sessions {
			wg.Add(1)
			go func(c *websocket.Conn) {
				defer wg.Done()
				_ = c.Close(websocket.StatusGoingAway, "server shutting down")
			}(conn)
		}
	}
	wg.Wait()
}
