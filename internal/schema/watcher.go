package schema

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"contextd/internal/types"
)

// Watcher keeps an in-memory catalog current with the file on disk. The
// catalog is user-edited while the daemon runs, so writes, creates, and
// removals all trigger a reload. Removal yields a nil catalog and typed
// operations degrade to untyped.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	catalog *types.Catalog
	fw      *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewWatcher loads the catalog at path and starts watching its directory.
// Watching the directory rather than the file survives editors that replace
// the file on save. A nil fsnotify watcher (e.g. exhausted inotify handles)
// degrades to a static catalog.
func NewWatcher(path string, logger *zap.Logger) *Watcher {
	cat, _ := Load(path)
	w := &Watcher{
		path:    path,
		catalog: cat,
		logger:  logger,
		done:    make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("schema watcher unavailable, catalog is static", zap.Error(err))
		return w
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Warn("cannot watch schema directory", zap.Error(err))
		fw.Close()
		return w
	}
	w.fw = fw
	go w.loop()
	return w
}

// Catalog returns the current catalog, which may be nil.
func (w *Watcher) Catalog() *types.Catalog {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.catalog
}

// Reload re-reads the catalog from disk immediately. The REST PUT handler
// calls this after saving so the change is visible without waiting for the
// filesystem event.
func (w *Watcher) Reload() {
	cat, _ := Load(w.path)
	w.mu.Lock()
	w.catalog = cat
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	if w.fw != nil {
		w.fw.Close()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.Reload()
				w.logger.Info("schema catalog reloaded", zap.String("path", w.path))
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("schema watcher error", zap.Error(err))
		}
	}
}
