package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

var ErrNoSession = errors.New("no websocket session")

// WSSession is a connected rider app. Writes are serialized per socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds rider sessions and pushes match offers to them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

func (r *WSRegistry) Add(riderID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[riderID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[riderID] = s
	return s
}

// Remove drops the session, but only if it is still the registered one.
// A replaced session's read-loop cleanup fires after a reconnect has
// already installed the new socket and must not tear that one down.
func (r *WSRegistry) Remove(riderID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[riderID]; ok && cur == s {
		delete(r.sessions, riderID)
	}
	if s != nil {
		_ = s.conn.Close()
	}
}

func (r *WSRegistry) Offer(offer models.MatchOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.RiderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(offer); err != nil {
		if r.log != nil {
			r.log.Warn("offer push failed", "rider_id", offer.RiderID, "error", err)
		}
		r.Remove(offer.RiderID, s)
		return err
	}
	return nil
}

// TrackHub fans live tracking updates out to everyone watching an order.
type TrackHub struct {
	mu       sync.RWMutex
	watchers map[string][]*WSSession
}

func NewTrackHub() *TrackHub {
	return &TrackHub{watchers: make(map[string][]*WSSession)}
}

func (h *TrackHub) Subscribe(orderID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	h.watchers[orderID] = append(h.watchers[orderID], s)
	h.mu.Unlock()
	return s
}

func (h *TrackHub) Unsubscribe(orderID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.watchers[orderID]
	for i, w := range list {
		if w == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.watchers, orderID)
	} else {
		h.watchers[orderID] = list
	}
	_ = s.conn.Close()
}

func (h *TrackHub) Push(u models.TrackingUpdate) {
	h.mu.RLock()
	list := append([]*WSSession(nil), h.watchers[u.OrderID]...)
	h.mu.RUnlock()
	for _, s := range list {
		if err := s.send(u); err != nil {
			h.Unsubscribe(u.OrderID, s)
		}
	}
}
