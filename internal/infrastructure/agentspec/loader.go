package agentspec

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader caches resolved agent specs keyed by their root file path and can
// optionally watch that root file for changes, re-resolving on write; files
// reached through extend or subagents are not watched. Mirrors the hot-reload shape of the
// teacher's plugin.Loader (internal/infrastructure/plugin/loader.go),
// adapted from a directory of plugin.json manifests to a single YAML spec
// file plus the chain of files it references.
type Loader struct {
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	specs map[string]*Spec // root path -> resolved spec

	onReload func(path string, spec *Spec, err error)
}

// NewLoader creates an agent-spec loader. Pass watch=true to enable
// fsnotify-based hot reload via StartWatching.
func NewLoader(watch bool, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		logger: logger,
		specs:  make(map[string]*Spec),
	}
	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("agentspec: create watcher: %w", err)
		}
		l.watcher = w
	}
	return l, nil
}

// Load resolves the spec at path (extend chain + subagents) and caches it.
// If hot reload is enabled, the root file is added to the watch set; the
// files its chain touches are not.
func (l *Loader) Load(path string) (*Spec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("agentspec: resolve path %s: %w", path, err)
	}

	spec, err := Load(abs)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.specs[abs] = spec
	l.mu.Unlock()

	if l.watcher != nil {
		if err := l.watcher.Add(abs); err != nil {
			l.logger.Warn("agentspec: watch root spec failed", zap.String("path", abs), zap.Error(err))
		}
	}

	return spec, nil
}

// Get returns the cached resolved spec for path, if loaded.
func (l *Loader) Get(path string) (*Spec, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.specs[abs]
	return spec, ok
}

// OnReload registers a callback invoked after every hot-reload attempt
// (err is non-nil if re-resolution failed; the previously cached spec is
// left in place in that case).
func (l *Loader) OnReload(fn func(path string, spec *Spec, err error)) {
	l.onReload = fn
}

// StartWatching begins draining fsnotify events for every root spec file
// registered via Load, re-resolving on Write and logging (but not failing)
// parse errors — matching the teacher's handleWatchEvent posture of never
// letting one bad edit bring down the watch loop.
func (l *Loader) StartWatching(ctx context.Context) error {
	if l.watcher == nil {
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-l.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				l.reload(event.Name)
			case err, ok := <-l.watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("agentspec: watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (l *Loader) reload(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	l.mu.RLock()
	_, known := l.specs[abs]
	l.mu.RUnlock()
	if !known {
		return
	}

	spec, err := Load(abs)
	if err != nil {
		l.logger.Warn("agentspec: reload failed, keeping previous spec",
			zap.String("path", abs), zap.Error(err))
		if l.onReload != nil {
			l.onReload(abs, nil, err)
		}
		return
	}

	l.mu.Lock()
	l.specs[abs] = spec
	l.mu.Unlock()

	l.logger.Info("agentspec: reloaded", zap.String("path", abs))
	if l.onReload != nil {
		l.onReload(abs, spec, nil)
	}
}

// Close stops the watcher, if any.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
