package preview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/sandbox"
)

// RuntimeFactory builds a fresh sandbox for one preview session.
type RuntimeFactory func(projectID string) (sandbox.Runtime, error)

// Manager tracks the live preview session of each project. Every start gets
// a new Supervisor and a freshly built runtime; stopped sessions are
// dropped, never reused.
type Manager struct {
	factory RuntimeFactory
	files   repository.FileRepository
	sink    Sink
	log     *slog.Logger
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Supervisor
}

// NewManager constructs a Manager.
func NewManager(factory RuntimeFactory, files repository.FileRepository, sink Sink, log *slog.Logger, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory:  factory,
		files:    files,
		sink:     sink,
		log:      log,
		opts:     opts,
		sessions: make(map[string]*Supervisor),
	}
}

// Start launches a preview session for the project. A project with a live
// session cannot start another one.
func (m *Manager) Start(ctx context.Context, projectID string) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[projectID]; ok {
		select {
		case <-existing.Done():
			delete(m.sessions, projectID)
		default:
			return nil, ErrAlreadyStarted
		}
	}

	runtime, err := m.factory(projectID)
	if err != nil {
		return nil, fmt.Errorf("build sandbox: %w", err)
	}
	sup := NewSupervisor(projectID, runtime, m.files, m.sink, m.log, m.opts)
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	m.sessions[projectID] = sup
	return sup, nil
}

// Get returns the project's session, live or finished.
func (m *Manager) Get(projectID string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.sessions[projectID]
	return sup, ok
}

// Stop aborts the project's session, if any.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	m.mu.Lock()
	sup, ok := m.sessions[projectID]
	delete(m.sessions, projectID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sup.Stop(ctx)
}

// WriteFile forwards a hot write to the project's live session.
func (m *Manager) WriteFile(ctx context.Context, projectID, path, content string) error {
	sup, ok := m.Get(projectID)
	if !ok {
		return sandbox.ErrNotBooted
	}
	return sup.WriteFile(ctx, path, content)
}

// Status reports the session state for a project. Projects without a
// session are idle.
func (m *Manager) Status(projectID string) (domain.PreviewState, string, map[string]domain.PhaseState) {
	sup, ok := m.Get(projectID)
	if !ok {
		return domain.PreviewIdle, "", nil
	}
	return sup.Status()
}

// StopAll aborts every live session, used during shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Supervisor, 0, len(m.sessions))
	for projectID, sup := range m.sessions {
		sessions = append(sessions, sup)
		delete(m.sessions, projectID)
	}
	m.mu.Unlock()

	for _, sup := range sessions {
		if err := sup.Stop(ctx); err != nil {
			m.log.Warn("failed to stop preview session", "error", err)
		}
	}
}
