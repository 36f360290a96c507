package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the event bursts editors and orchestrators
// produce when rewriting a file into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Manager loads the configuration and keeps it fresh while the file
// changes on disk. Readers get an immutable snapshot via Get; a reload
// swaps the snapshot atomically, so nobody observes a half-applied
// config. Vector-store selection is made once from the config present
// at startup; reloads only affect per-request settings.
type Manager struct {
	config     atomic.Pointer[Config]
	generation atomic.Uint64
	path       string
	watcher    *fsnotify.Watcher
	logger     *slog.Logger

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewManager loads the file at path and fails on an invalid config, so
// a broken file cannot survive a restart.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)

	return m, nil
}

// Get returns the current configuration snapshot. Callers must not
// mutate it.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Watch starts watching the configuration file until ctx is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// pending is non-nil while a reload is debouncing.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				pending = time.After(reloadDebounce)
			case event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove):
				// Editors and configmap mounts replace the file by
				// rename, which drops the inode watch. Re-arm on the
				// path and pick up whatever landed there.
				if err := m.watcher.Add(m.path); err != nil {
					m.logger.Warn("config file vanished, keeping current",
						"path", m.path, "error", err)
					continue
				}
				pending = time.After(reloadDebounce)
			}

		case <-pending:
			pending = nil
			m.reload()

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current",
			"error", err,
		)
		return
	}

	m.config.Store(newCfg)
	gen := m.generation.Add(1)
	m.logger.Info("configuration reloaded", "generation", gen)

	m.mu.Lock()
	subs := make([]func(*Config), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(newCfg)
	}
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
