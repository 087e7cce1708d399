// Package notify delivers dispatch events to driver clients. Delivery
// is best-effort everywhere; the store documents are the source of
// truth and a missed push only delays the driver app's next poll.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

// wsEnvelope frames every message pushed over a driver socket.
type wsEnvelope struct {
	Type  string       `json:"type"`
	Offer models.Offer `json:"offer"`
}

// WSSession is one connected driver socket. Writes are serialized;
// gorilla/websocket allows at most one concurrent writer per conn.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(env wsEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry tracks live driver sessions keyed by driver ID. A second
// connection for the same driver replaces the first.
type WSRegistry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	return &WSRegistry{log: log, sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// OfferCreated pushes a new offer to the driver's socket.
func (r *WSRegistry) OfferCreated(driverID string, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(wsEnvelope{Type: "ride_offer", Offer: offer}); err != nil {
		r.log.Warn("ws send", "driver_id", driverID, "error", err)
		r.Remove(driverID)
		return err
	}
	return nil
}
