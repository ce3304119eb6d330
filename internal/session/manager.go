package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxSessions limits concurrent sessions to bound stored files
const MaxSessions = 50

// SessionMaxAge is how long an idle session is kept before cleanup
const SessionMaxAge = 30 * time.Minute

// SessionKeepAliveWindow is how long to keep sessions that are actively being used
const SessionKeepAliveWindow = 5 * time.Minute

// ErrTooManySessions is returned when every session slot holds a busy session.
var ErrTooManySessions = errors.New("too many active sessions")

// PresenterFactory builds the presenter attached to a new session.
type PresenterFactory func(sessionID string) Presenter

// ManagerConfig holds the collaborators shared by all sessions.
type ManagerConfig struct {
	Files       FileStore
	Extractor   Extractor
	Policy      PolicySource
	Presenters  PresenterFactory
	Logger      *slog.Logger
	MaxSessions int
}

// Manager handles active upload sessions.
type Manager struct {
	sessions map[string]*Controller
	mu       sync.RWMutex
	cfg      ManagerConfig
	logger   *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = MaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Controller),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// Create starts a new idle session.
func (m *Manager) Create() (*Controller, error) {
	id := uuid.New().String()

	var presenter Presenter
	if m.cfg.Presenters != nil {
		presenter = m.cfg.Presenters(id)
	}
	ctrl := NewController(id, ControllerConfig{
		Files:     m.cfg.Files,
		Extractor: m.cfg.Extractor,
		Policy:    m.cfg.Policy,
		Presenter: presenter,
		Logger:    m.logger,
	})

	m.mu.Lock()
	evicted, err := m.makeRoomLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[id] = ctrl
	m.mu.Unlock()

	for _, old := range evicted {
		old.Close()
		m.logger.Info("session.evicted", "session_id", old.ID())
	}
	m.logger.Info("session.created", "session_id", id)
	return ctrl, nil
}

// makeRoomLocked frees one slot when at capacity, oldest idle session first.
func (m *Manager) makeRoomLocked() ([]*Controller, error) {
	if len(m.sessions) < m.cfg.MaxSessions {
		return nil, nil
	}

	var candidates []*Controller
	for _, ctrl := range m.sessions {
		if !ctrl.Busy() {
			candidates = append(candidates, ctrl)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActive().Before(candidates[j].LastActive())
	})

	toFree := len(m.sessions) - m.cfg.MaxSessions + 1
	if len(candidates) < toFree {
		return nil, ErrTooManySessions
	}
	evicted := candidates[:toFree]
	for _, ctrl := range evicted {
		delete(m.sessions, ctrl.ID())
	}
	return evicted, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctrl, ok := m.sessions[id]
	return ctrl, ok
}

// Touch updates the last activity of a session so it is not cleaned up.
func (m *Manager) Touch(id string) bool {
	ctrl, ok := m.Get(id)
	if !ok {
		return false
	}
	ctrl.Touch()
	return true
}

// Delete closes and removes a session.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	ctrl, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	ctrl.Close()
	m.logger.Info("session.deleted", "session_id", id)
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupOldSessions removes sessions idle for longer than maxAge,
// but keeps sessions with a request outstanding or used within
// SessionKeepAliveWindow.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)

	m.mu.Lock()
	var expired []*Controller
	for id, ctrl := range m.sessions {
		if ctrl.Busy() {
			continue
		}
		last := ctrl.LastActive()
		if last.After(keepAliveCutoff) || !last.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, ctrl)
	}
	m.mu.Unlock()

	for _, ctrl := range expired {
		m.logger.Info("session.expired", "session_id", ctrl.ID(),
			"idle", time.Since(ctrl.LastActive()).Round(time.Second).String())
		ctrl.Close()
	}
	return len(expired)
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	for _, ctrl := range sessions {
		ctrl.Close()
	}
}
