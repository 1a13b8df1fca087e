package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loopworks/loopd/internal/progress"
)

// ErrNotFound is returned when a session ID does not resolve.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// ProgressOptions configures the progress channel of new sessions.
type ProgressOptions struct {
	BufferSize int
	Overflow   progress.Overflow
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	popts    ProgressOptions
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(popts ProgressOptions, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		popts:    popts,
		logger:   logger,
	}
}

// Create starts a Pending session for the owner.
func (m *Manager) Create(owner string, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newSession(NewID(), owner, cfg, progress.NewChannel(m.popts.BufferSize, m.popts.Overflow))

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session", s.ID, "owner", owner, "model", cfg.Model)
	return s, nil
}

// Get resolves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return s, nil
}

// List returns all live sessions, unordered.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove forgets a session. The caller is responsible for having
// closed its progress channel.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// NewID returns a time-ordered unique session ID. UUIDv7 keeps IDs
// sortable by creation; v4 is the fallback if the clock misbehaves.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
