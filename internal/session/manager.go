// Package session tracks the live bot sessions of this process.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusEnded   Status = "ended"
)

// Transport names the client transport a session is bound to.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
	TransportWebRTC    Transport = "webrtc"
	TransportRoom      Transport = "room"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Transport      Transport `json:"transport"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	Deadline       time.Time `json:"deadline"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

type entry struct {
	s      *Session
	cancel context.CancelFunc
}

// Manager holds one entry per running session. Each registered session must
// be ended exactly once by its owner.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	wg       sync.WaitGroup
	onExpire func(*Session)
	onEnd    func(*Session)
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*entry)}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) SetEndHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

// Register starts tracking s. cancel stops the session's work; it is called
// on expiry, CancelAll and End.
func (m *Manager) Register(s Session, cancel context.CancelFunc) *Session {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	s.Status = StatusActive
	if cancel == nil {
		cancel = func() {}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{s: &s, cancel: cancel}
	m.wg.Add(1)
	return clone(&s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.s), nil
}

// End stops tracking a session and returns its final state.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	if e.s.Status == StatusActive {
		e.s.Status = StatusEnded
	}
	e.s.EndedAt = time.Now().UTC()
	hook := m.onEnd
	m.mu.Unlock()

	e.cancel()
	m.wg.Done()
	ended := clone(e.s)
	if hook != nil {
		hook(ended)
	}
	return ended, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Status == StatusActive {
			count++
		}
	}
	return count
}

// CancelAll cancels every tracked session. Owners still call End.
func (m *Manager) CancelAll() {
	m.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(m.sessions))
	for _, e := range m.sessions {
		cancels = append(cancels, e.cancel)
	}
	m.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until every registered session has ended or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartJanitor cancels sessions that outlive their deadline. Sessions
// enforce their own deadline; this is a backstop for stuck owners.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireOverdue()
			}
		}
	}()
}

func (m *Manager) expireOverdue() {
	now := time.Now().UTC()
	var (
		expired []*Session
		cancels []context.CancelFunc
	)

	m.mu.Lock()
	for _, e := range m.sessions {
		if e.s.Status != StatusActive || e.s.Deadline.IsZero() || now.Before(e.s.Deadline) {
			continue
		}
		e.s.Status = StatusExpired
		expired = append(expired, clone(e.s))
		cancels = append(cancels, e.cancel)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
