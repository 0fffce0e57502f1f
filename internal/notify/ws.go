package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry holds driver sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for driverID, closing any session it replaces.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return s
}

// Remove drops s if it is still the driver's current session.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Send(driverID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}
