// Package dispatch fans request change events out to websocket subscribers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roadside-assist/internal/models"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

var ErrHubClosed = errors.New("hub closed")

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Message is the envelope pushed to subscribers.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Data      any    `json:"data"`
}

const (
	TypeStatus   = "status"
	TypeTracking = "tracking"
)

// Session is one subscriber. Writes happen on its own goroutine so a slow
// client never blocks the publisher.
type Session struct {
	requestID string
	conn      Conn
	send      chan Message
	done      chan struct{}
	once      sync.Once
}

func (s *Session) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				logger.Debug("ws write failed", "request_id", s.requestID, "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Hub holds the subscribers of each request.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	closed   bool
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]map[*Session]struct{}), logger: logger.With("component", "dispatch")}
}

// Subscribe registers conn for the request. Messages in initial are queued
// ahead of any event published after the call returns.
func (h *Hub) Subscribe(requestID string, conn Conn, initial ...Message) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s := &Session{requestID: requestID, conn: conn, send: make(chan Message, sendBuffer), done: make(chan struct{})}
	for i, msg := range initial {
		if i == sendBuffer {
			break
		}
		s.send <- msg
	}
	set, ok := h.sessions[requestID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[requestID] = set
	}
	set[s] = struct{}{}
	go s.writeLoop(h.logger)
	return s, nil
}

func (h *Hub) Unsubscribe(s *Session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.requestID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.requestID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// Subscribers counts the live sessions of a request.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[requestID])
}

// Publish queues msg for every subscriber of its request. A subscriber whose
// buffer is full is dropped.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	var slow []*Session
	for s := range h.sessions[msg.RequestID] {
		select {
		case s.send <- msg:
		case <-s.done:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.logger.Warn("dropping slow subscriber", "request_id", msg.RequestID)
		h.Unsubscribe(s)
	}
}

// OnChange publishes a committed change. Requests that reach a terminal
// status keep their subscribers until the clients disconnect.
func (h *Hub) OnChange(ctx context.Context, ev models.ChangeEvent) {
	h.Publish(Message{Type: TypeStatus, RequestID: ev.RequestID, Data: ev})
}

// Close disconnects everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.sessions
	h.sessions = make(map[string]map[*Session]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for s := range set {
			s.close()
		}
	}
}
