package api

import (
	"log/slog"
	"sync"

	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/stream"
)

// ClientRegistry tracks the upstream analysis client of each browser tab.
// A tab owns at most one client; registering a new one supersedes the old.
type ClientRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*stream.Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		active: make(map[string]map[string]*stream.Client),
	}
}

// Get returns the client of the caller's tab.
func (m *ClientRegistry) Get(c identity.Caller) *stream.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[c.UserID]; ok {
		return sessions[c.SessionID]
	}
	return nil
}

// Register binds client to the caller's tab and closes the client it
// replaces. The replaced client's streaming session fails with Cancelled.
func (m *ClientRegistry) Register(c identity.Caller, client *stream.Client) {
	userID, sessionID := c.UserID, c.SessionID
	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*stream.Client)
	}
	existing := m.active[userID][sessionID]
	m.active[userID][sessionID] = client
	m.mu.Unlock()

	if existing != nil && existing != client {
		_ = existing.Close()
		slog.Info("Analysis client replaced", "user_id", userID, "session_id", sessionID)
	}
}

// Unregister removes client if it is still the one bound to the caller's tab.
func (m *ClientRegistry) Unregister(c identity.Caller, client *stream.Client) {
	userID, sessionID := c.UserID, c.SessionID
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == client {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
		}
	}
}

// CloseUser closes every client of a user.
func (m *ClientRegistry) CloseUser(userID string) {
	m.mu.Lock()
	sessions := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	for sid, client := range sessions {
		_ = client.Close()
		slog.Info("Analysis client closed", "user_id", userID, "session_id", sid)
	}
}

// CloseAll closes every registered client.
func (m *ClientRegistry) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*stream.Client)
	m.mu.Unlock()

	for _, sessions := range active {
		for _, client := range sessions {
			_ = client.Close()
		}
	}
}

// Len returns the number of registered clients.
func (m *ClientRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
