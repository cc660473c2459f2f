package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// CreateOptions parameterize session creation.
type CreateOptions struct {
	// Resume is a backend session id to continue instead of starting fresh.
	Resume string
	// WorkDir is the project directory the agent operates in.
	WorkDir string
	// Model overrides the backend default model when non-empty.
	Model string
}

// Provider binds one backend to the Session contract.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	CreateSession(ctx context.Context, opts CreateOptions) (Session, error)
}

// Manager owns the key -> session pool.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	sessions  map[string]Session
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		sessions:  make(map[string]Session),
	}
}

// RegisterProvider initializes and registers a provider. Initialization
// failure is tolerated: the provider is skipped with a warning so one bad
// backend does not take down the hub.
func (m *Manager) RegisterProvider(ctx context.Context, p Provider) {
	if err := p.Initialize(ctx); err != nil {
		slog.Warn("provider initialization failed, skipping", "provider", p.Name(), "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
	slog.Info("provider registered", "provider", p.Name())
}

// CreateSession creates a session under key via the named provider. An
// existing non-closed session under the same key is closed first.
func (m *Manager) CreateSession(ctx context.Context, key, provider string, opts CreateOptions) (Session, error) {
	m.mu.RLock()
	p, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	m.mu.Lock()
	if old, exists := m.sessions[key]; exists {
		if old.Status().State != StateClosed {
			if err := old.Close(); err != nil {
				slog.Warn("closing replaced session failed", "key", key, "error", err)
			}
		}
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	sess, err := p.CreateSession(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create session %q: %w", key, err)
	}

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()
	return sess, nil
}

// Session looks up the session registered under key.
func (m *Manager) Session(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// RemoveSession closes and deletes the session under key.
func (m *Manager) RemoveSession(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %q", key)
	}
	return s.Close()
}

// ListSessions returns the registered keys, sorted.
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListProviders returns the registered provider names, sorted.
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for n := range m.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SessionStatus reports the status of the session under key.
func (m *Manager) SessionStatus(key string) (Status, bool) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return s.Status(), true
}

// CloseAll closes every session; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]Session)
	m.mu.Unlock()
	for key, s := range sessions {
		if err := s.Close(); err != nil {
			slog.Warn("session close failed", "key", key, "error", err)
		}
	}
}
