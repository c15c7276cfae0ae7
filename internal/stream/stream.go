package stream

import (
	"context"
	"sync"
	"time"
)

// Session event types published by the auth handlers.
const (
	EventLogin         = "login"
	EventRefresh       = "refresh"
	EventReuseDetected = "reuse_detected"
	EventLogout        = "logout"
	EventLogoutAll     = "logout_all"
	EventSweep         = "sweep"
)

// SessionEvent describes one auth lifecycle transition for live monitoring.
type SessionEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event builds a SessionEvent stamped with the current time.
func Event(typ, userID, sessionID, detail string) SessionEvent {
	return SessionEvent{
		Type:      typ,
		UserID:    userID,
		SessionID: sessionID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Stream fan-outs session events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan SessionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan SessionEvent),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan SessionEvent {
	ch := make(chan SessionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt SessionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
