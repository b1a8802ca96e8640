package moltgate

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigState tracks whether the gateway configuration file exists. While
// its directory is watched the answer comes from fsnotify events; otherwise
// every call stats the file.
type ConfigState struct {
	path   string
	logger *zap.Logger

	configured atomic.Bool
	watching   atomic.Bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewConfigState(path string, logger *zap.Logger) *ConfigState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigState{path: filepath.Clean(path), logger: logger}
}

// Path returns the watched configuration file.
func (c *ConfigState) Path() string {
	return c.path
}

// Configured reports whether the configuration file exists.
func (c *ConfigState) Configured() bool {
	if c.watching.Load() {
		return c.configured.Load()
	}
	return fileExists(c.path)
}

// Refresh re-reads the file state. Callers that write the file themselves
// use it so they do not depend on event delivery.
func (c *ConfigState) Refresh() bool {
	v := fileExists(c.path)
	c.configured.Store(v)
	return v
}

// Watch starts watching the directory of the configuration file. A failure
// is logged and leaves ConfigState in stat mode.
func (c *ConfigState) Watch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		c.logger.Debug("not watching gateway config directory",
			zap.String("dir", dir),
			zap.Error(err))
		return
	}
	c.watcher = w
	c.Refresh()
	c.watching.Store(true)
	go c.loop(w, dir)
}

func (c *ConfigState) loop(w *fsnotify.Watcher, dir string) {
	defer c.watching.Store(false)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if name == dir && ev.Has(fsnotify.Remove|fsnotify.Rename) {
				c.logger.Warn("gateway config directory went away", zap.String("dir", dir))
				return
			}
			if name != c.path {
				continue
			}
			before := c.configured.Load()
			if now := c.Refresh(); now != before {
				c.logger.Info("gateway configuration changed",
					zap.String("path", c.path),
					zap.Bool("configured", now),
					zap.String("op", ev.Op.String()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (c *ConfigState) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	c.watcher = nil
	c.watching.Store(false)
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
