package convo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proplio/askdesk/internal/lead"
)

// Manager owns every live widget session and expires the inactive ones.
// Sessions are internally synchronized, so Manager hands out the shared
// pointer rather than a copy.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByLead     map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByLead:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// Create opens a session for a lead. A lead gets at most one active
// session, so any previous one is ended first.
func (m *Manager) Create(leadID, voiceID string, quota *lead.QuotaTracker) *Session {
	s := newSession(uuid.NewString(), leadID, voiceID, quota)

	m.mu.Lock()
	defer m.mu.Unlock()
	if leadID != "" {
		if prevID, ok := m.sessionByLead[leadID]; ok {
			if prev, ok := m.sessions[prevID]; ok {
				prev.end()
			}
		}
		m.sessionByLead[leadID] = s.id
	}
	m.sessions[s.id] = s
	return s
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetByLead returns the lead's active session, if any.
func (m *Manager) GetByLead(leadID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByLead[leadID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	if !ok || s.Status() != StatusActive {
		return nil, false
	}
	return s, true
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	s.touch()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.leadID != "" && m.sessionByLead[s.leadID] == s.id {
		delete(m.sessionByLead, s.leadID)
	}
	m.mu.Unlock()

	s.end()
	s.touch()
	return s, nil
}

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
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status() == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status() != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt()) < m.inactivityTimeout {
			continue
		}
		s.end()
		expired = append(expired, s)
		if s.leadID != "" && m.sessionByLead[s.leadID] == s.id {
			delete(m.sessionByLead, s.leadID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}
