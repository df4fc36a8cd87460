package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered platform adapters and their lifecycle.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewManager creates an empty manager. Adapters are registered by the
// supervisor before StartAll.
func NewManager() *Manager {
	return &Manager{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its platform name.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// Get returns the adapter for the platform.
func (m *Manager) Get(platform string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platform]
	return a, ok
}

// Platforms returns the registered platform names.
func (m *Manager) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered adapter. A single adapter failing to
// start is an error; a half-started relay is worse than a dead one here,
// because bindings to the failed platform would silently black-hole.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, a := range m.adapters {
		slog.Info("starting platform adapter", "platform", name)
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s adapter: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every adapter, logging failures rather than aborting so the
// rest still shut down.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, a := range m.adapters {
		slog.Info("stopping platform adapter", "platform", name)
		if err := a.Stop(ctx); err != nil {
			slog.Error("error stopping adapter", "platform", name, "error", err)
		}
	}
}

// SendTo posts text to a channel on the named platform.
func (m *Manager) SendTo(ctx context.Context, platform, channelID, conversationID, text string) (string, error) {
	a, ok := m.Get(platform)
	if !ok {
		return "", fmt.Errorf("platform %s not registered", platform)
	}
	return a.SendMessage(ctx, channelID, conversationID, text)
}
