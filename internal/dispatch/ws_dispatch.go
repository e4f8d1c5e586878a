package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents one connected app (driver or rider).
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds sessions keyed by driver or customer id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for id, closing any previous connection.
func (r *WSRegistry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops id only if conn is still the registered connection.
func (r *WSRegistry) Remove(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.conn == conn {
		delete(r.sessions, id)
	}
}

func (r *WSRegistry) Send(id string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

// Offer pushes a ride offer to a connected driver.
func (r *WSRegistry) Offer(driverID string, offer models.RideOffer) error {
	return r.Send(driverID, struct {
		Type string `json:"type"`
		models.RideOffer
	}{Type: "ride_offer", RideOffer: offer})
}

// Notify pushes a notification to a connected rider.
func (r *WSRegistry) Notify(ctx context.Context, customerID, title, message string) error {
	return r.Send(customerID, newNotification(customerID, title, message))
}
