package environment

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// watcher wraps fsnotify to provide recursive directory watching with
// per-event callbacks. fsnotify watches are not recursive, so directories
// discovered at start and created later are added individually.
type watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	callback WatchCallback
	ignore   []string
	logger   *logger.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWatcher(root string, callback WatchCallback, opts WatchOptions, log *logger.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		root:     root,
		fsw:      fsw,
		callback: callback,
		ignore:   opts.IgnorePatterns,
		logger:   log.WithComponent("workspace_watcher"),
		done:     make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// addRecursive registers the directory and every non-ignored subdirectory.
func (w *watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// The tree can change underneath us mid-walk.
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	switch {
	case event.Op&fsnotify.Create != 0:
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := w.addRecursive(event.Name); addErr != nil {
				w.logger.Warn("failed to watch new directory",
					zap.String("path", rel), zap.Error(addErr))
			}
			return
		}
		w.emit(WatchEvent{Kind: WatchCreate, Path: rel, Content: w.readBestEffort(event.Name)})

	case event.Op&fsnotify.Write != 0:
		w.emit(WatchEvent{Kind: WatchModify, Path: rel, Content: w.readBestEffort(event.Name)})

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.emit(WatchEvent{Kind: WatchDelete, Path: rel})
	}
}

func (w *watcher) emit(event WatchEvent) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	w.callback(event)
}

// readBestEffort reads the file's current content. The file may be mid-write
// or already deleted; readers tolerate a missing content.
func (w *watcher) readBestEffort(path string) *string {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug("could not read changed file", zap.String("path", path), zap.Error(err))
		return nil
	}
	content := string(data)
	return &content
}

func (w *watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range w.ignore {
			if segment == pattern {
				return true
			}
		}
	}
	return false
}

func (w *watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	_ = w.fsw.Close()
}
