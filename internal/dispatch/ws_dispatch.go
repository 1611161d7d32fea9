package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession is one connected passenger screen.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Ping sends a ping frame. It shares the write lock with Send.
func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// KeepAlive pings every interval until stop is closed or a ping fails.
func (s *WSSession) KeepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				return
			}
		}
	}
}

// WSRegistry holds passenger sessions grouped by ride.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{}), logger: logger}
}

func (r *WSRegistry) Add(rideID string, conn Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[rideID]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[rideID] = set
	}
	set[s] = struct{}{}
	return s
}

func (r *WSRegistry) Remove(rideID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[rideID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, rideID)
	}
}

// CloseRide drops and closes every session of a ride.
func (r *WSRegistry) CloseRide(rideID string) {
	r.mu.Lock()
	set := r.sessions[rideID]
	delete(r.sessions, rideID)
	r.mu.Unlock()
	for s := range set {
		_ = s.conn.Close()
	}
}

func (r *WSRegistry) Count(rideID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[rideID])
}

// Broadcast sends v to every session of the ride and reports how many
// received it. Sessions that fail to write are closed and removed.
func (r *WSRegistry) Broadcast(rideID string, v any) (int, error) {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[rideID]))
	for s := range r.sessions[rideID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return 0, ErrNoSession
	}

	sent := 0
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			r.logger.Warn("ws send error", "ride_id", rideID, "error", err)
			r.Remove(rideID, s)
			_ = s.conn.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
