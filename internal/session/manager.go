package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/pkg/schema"
)

// Manager is the in-process session registry. One Manager per process; it
// holds the shared Executor and hands out Sessions.
type Manager struct {
	exec   *engine.Executor
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager over an Executor.
func NewManager(exec *engine.Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		exec:     exec,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new CREATED session.
func (m *Manager) Create() *Session {
	s := newSession(m.exec, m.logger)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", id)
	}
	return s, nil
}

// Remove drops a session from the registry. The session itself is not
// touched; callers terminate it first if needed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// List returns the registered sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Resume adopts a paused frame from the store into a fresh session and
// resumes it. This is the cross-process path: the handle may have been
// minted by a session in another process backed by the same store.
func (m *Manager) Resume(ctx context.Context, handle *schema.ResumeHandle, spec *schema.InterruptSpec) (*Session, <-chan StepEvent, error) {
	s := m.Create()
	events, err := s.Resume(ctx, handle, spec)
	if err != nil {
		m.Remove(s.id)
		return nil, nil, err
	}
	return s, events, nil
}
