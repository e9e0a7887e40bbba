package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already running")
	ErrUnknownSession   = errors.New("no such session")
)

type running struct {
	s      *Session
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager tracks running sessions by ID.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*running
	history  []*running
	keep     int
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*running),
		keep:     16,
	}
}

// Start runs s on its own goroutine under ctx. It fails if a session with
// the same ID is already running. When the run ends the session moves to
// the finished history.
func (m *Manager) Start(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID()]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "id", s.ID())
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &running{s: s, cancel: cancel, done: make(chan struct{})}
	m.sessions[s.ID()] = r
	m.log.Info("session created", "id", s.ID())

	go func() {
		r.err = s.Run(runCtx)
		cancel()
		m.finish(r)
		close(r.done)
	}()
	return nil
}

func (m *Manager) finish(r *running) {
	m.mu.Lock()
	delete(m.sessions, r.s.ID())
	m.history = append(m.history, r)
	if len(m.history) > m.keep {
		m.history = slices.Delete(m.history, 0, len(m.history)-m.keep)
	}
	m.mu.Unlock()

	if r.err != nil {
		m.log.Error("session failed", "id", r.s.ID(), "error", r.err)
		return
	}
	m.log.Info("session removed", "id", r.s.ID())
}

// Stop cancels a running session and waits for it to shut down.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.RLock()
	r, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	r.cancel()
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the session ends and returns its run error. Recently
// finished sessions return immediately.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.RLock()
	r, ok := m.sessions[id]
	if !ok {
		r, ok = m.finished(id)
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll cancels every running session and waits up to timeout for them.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.RLock()
	all := make([]*running, 0, len(m.sessions))
	for _, r := range m.sessions {
		all = append(all, r)
	}
	m.mu.RUnlock()

	deadline := time.After(timeout)
	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		select {
		case <-r.done:
		case <-deadline:
			m.log.Warn("session did not stop in time", "id", r.s.ID())
			return
		}
	}
}

// Get returns a running session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return r.s, true
}

// List returns all running sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r.s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.Stats().StartedAt.Compare(b.Stats().StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})
	return out
}

// Snapshots returns stats for running sessions followed by recently
// finished ones.
func (m *Manager) Snapshots() []Stats {
	live := m.List()
	out := make([]Stats, 0, len(live))
	for _, s := range live {
		out = append(out, s.Stats())
	}
	m.mu.RLock()
	for _, r := range m.history {
		out = append(out, r.s.Stats())
	}
	m.mu.RUnlock()
	return out
}

// Snapshot returns stats for one running or recently finished session.
func (m *Manager) Snapshot(id string) (Stats, bool) {
	if s, ok := m.Get(id); ok {
		return s.Stats(), true
	}
	m.mu.RLock()
	r, ok := m.finished(id)
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return r.s.Stats(), true
}

// finished looks id up in the history, newest first. m.mu must be held.
func (m *Manager) finished(id string) (*running, bool) {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].s.ID() == id {
			return m.history[i], true
		}
	}
	return nil, false
}
