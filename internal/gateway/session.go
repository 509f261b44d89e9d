package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one connected WebSocket client.
type Session struct {
	ID   string
	conn *websocket.Conn

	mu           sync.Mutex
	send         chan []byte
	subs         map[string]struct{}
	lastActivity time.Time
	missedPongs  int
	dropped      int
	closed       bool
}

func newSession(id string, conn *websocket.Conn, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Session{
		ID:           id,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		subs:         make(map[string]struct{}),
		lastActivity: time.Now().UTC(),
	}
}

// subscribe registers interest in a channel or "task:<id>" key.
func (s *Session) subscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[key] = struct{}{}
}

func (s *Session) unsubscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, key)
}

func (s *Session) subscribedTo(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
	s.missedPongs = 0
}

// missPing increments the unanswered-ping count and reports whether the
// session should be closed.
func (s *Session) missPing(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPongs++
	return s.missedPongs > max
}

// enqueue offers a frame to the send queue. When the queue is full a
// critical frame evicts the oldest queued frame; a non-critical frame is
// dropped and counted. Returns false when something was dropped.
func (s *Session) enqueue(frame []byte, critical bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.send <- frame:
		return true
	default:
	}

	if !critical {
		s.dropped++
		return false
	}

	// Make room for the critical frame by shedding the oldest event.
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- frame:
		s.dropped++
		return false
	default:
		return false
	}
}

// droppedEvents reports how many frames this session shed.
func (s *Session) droppedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// sessionMap is the concurrent session registry.
type sessionMap struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func newSessionMap() *sessionMap {
	return &sessionMap{m: make(map[string]*Session)}
}

func (sm *sessionMap) put(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m[s.ID] = s
}

func (sm *sessionMap) remove(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.m[id]; !ok {
		return false
	}
	delete(sm.m, id)
	return true
}

func (sm *sessionMap) all() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.m))
	for _, s := range sm.m {
		out = append(out, s)
	}
	return out
}

func (sm *sessionMap) len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.m)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
}
