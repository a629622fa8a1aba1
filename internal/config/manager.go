package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces event bursts into one reload; editors and
// deploy tooling typically touch the config file several times in
// quick succession.
const reloadDebounce = 500 * time.Millisecond

// Manager loads the relay configuration and keeps serving it while the
// file changes underneath. Request paths read through an atomic pointer
// and never block on a reload; a reload that fails validation keeps the
// previous configuration in place.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)

	watcher *fsnotify.Watcher
}

// NewManager loads the configuration at path and returns a manager
// serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the currently active configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration. Callbacks run on the reload goroutine and should return
// quickly.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Watch follows the config file until ctx is cancelled, reloading after
// each write or create event.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	go m.follow(ctx)
	return nil
}

func (m *Manager) follow(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, m.reload)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping current", "error", err)
		return
	}

	m.current.Store(cfg)
	m.logger.Info("configuration reloaded", "path", m.path)

	m.mu.Lock()
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// Close stops the file watcher if one is running.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
