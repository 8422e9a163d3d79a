// Package watcher turns file system events under the project root into
// debounced batches of changed paths.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// Filter decides which paths matter. *discovery.Scanner satisfies it.
type Filter interface {
	Root() string
	// Eligible reports whether an existing file would be indexed.
	Eligible(absPath string) bool
	// Tracked reports whether a path would be indexed if it existed.
	Tracked(absPath string) bool
	IgnoredDir(absPath string) bool
}

// Handler receives a batch of changed root-relative paths, sorted.
type Handler func(ctx context.Context, paths []string)

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher watches every non-ignored directory under the root.
type Watcher struct {
	fs       *fsnotify.Watcher
	filter   Filter
	handler  Handler
	debounce time.Duration
	logger   *zap.Logger

	pauseMu sync.Mutex
	pauses  int

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	flushCh chan struct{}
}

// New creates a watcher and registers every directory under the root.
// Call Run to start delivering batches.
func New(filter Filter, handler Handler, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	w := &Watcher{
		fs:       fsw,
		filter:   filter,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger.Named("watcher"),
		pending:  make(map[string]struct{}),
		flushCh:  make(chan struct{}, 1),
	}
	if err := w.addRecursive(filter.Root()); err != nil {
		_ = fsw.Close()
		return nil, errors.Wrap(err, "watch project root")
	}
	return w, nil
}

// Run watches until ctx ends, then closes the underlying watcher. Batches
// are delivered on the Run goroutine, one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fs.Close() }()
	w.logger.Info("watching", zap.String("root", w.filter.Root()), zap.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-w.flushCh:
			if paths := w.drain(); len(paths) > 0 {
				w.handler(ctx, paths)
			}
		}
	}
}

// Pause stops event delivery until the matching Resume. Calls nest.
// Events arriving while paused are dropped.
func (w *Watcher) Pause() {
	w.pauseMu.Lock()
	w.pauses++
	first := w.pauses == 1
	w.pauseMu.Unlock()
	if first {
		w.mu.Lock()
		w.pending = make(map[string]struct{})
		w.mu.Unlock()
		w.stopTimer()
		w.logger.Debug("paused")
	}
}

// Resume undoes one Pause.
func (w *Watcher) Resume() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	if w.pauses == 0 {
		return
	}
	w.pauses--
	if w.pauses == 0 {
		w.logger.Debug("resumed")
	}
}

// Paused reports whether at least one Pause is outstanding.
func (w *Watcher) Paused() bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	return w.pauses > 0
}

// PauseWhile runs fn with the watcher paused, resuming even if fn panics.
func (w *Watcher) PauseWhile(fn func()) {
	w.Pause()
	defer w.Resume()
	fn()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.filter.IgnoredDir(event.Name) {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
				}
			}
			return
		}
	}
	if w.Paused() {
		return
	}

	var relevant bool
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		relevant = w.filter.Eligible(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		relevant = w.filter.Tracked(event.Name)
	}
	if !relevant {
		return
	}

	rel, err := filepath.Rel(w.filter.Root(), event.Name)
	if err != nil {
		return
	}
	w.enqueue(filepath.ToSlash(rel))
}

func (w *Watcher) enqueue(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 || w.Paused() {
		w.pending = make(map[string]struct{})
		return nil
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = make(map[string]struct{})
	return paths
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.filter.IgnoredDir(p) {
			return filepath.SkipDir
		}
		return w.fs.Add(p)
	})
}

// Close releases the watches. Run closes them itself when it returns.
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.fs.Close()
}
