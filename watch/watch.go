// Package watch drives hot reload: it observes module descriptor files and,
// on change, swaps just that module's registrations through the discovery
// engine. Rapid event bursts are coalesced within a debounce window.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/log"
)

// DefaultDebounce coalesces event bursts from editors that write in chunks.
const DefaultDebounce = 100 * time.Millisecond

// ErrClosed is returned by operations on a closed watcher.
var ErrClosed = errors.New("watcher is closed")

// Reloader swaps one module's registrations. Implemented by the discovery
// engine.
type Reloader interface {
	Reload(ctx context.Context, name, path string) error
	Remove(name string, cause error) error
}

type entry struct {
	name  string
	path  string
	timer *time.Timer
}

// Watcher maps module names to watched descriptor paths.
type Watcher struct {
	reloader Reloader
	roots    []string
	debounce time.Duration

	mu      sync.Mutex
	entries map[string]*entry // by module name
	byPath  map[string]string // watched path -> module name
	fsw     *fsnotify.Watcher
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	lg     zerolog.Logger
}

// Option configures New.
type Option func(*Watcher)

// WithDebounce overrides the event coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRoots restricts watched paths: a path whose resolved location escapes
// every root is rejected, so symlinks cannot lead the watcher outside.
func WithRoots(roots ...string) Option {
	return func(w *Watcher) { w.roots = roots }
}

// New starts a watcher delivering reloads to r.
func New(r Reloader, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		reloader: r,
		debounce: DefaultDebounce,
		entries:  make(map[string]*entry),
		byPath:   make(map[string]string),
		fsw:      fsw,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		lg:       log.WithComponent("watch"),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w, nil
}

// Watch registers path for the named module. Idempotent: a duplicate call
// updates the path.
func (w *Watcher) Watch(module, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := w.checkRoots(abs); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if prev, ok := w.entries[module]; ok {
		if prev.path == abs {
			return nil
		}
		w.dropPathLocked(prev)
	}
	// Watch the parent directory: editors replace files by rename, which
	// drops a watch set on the file itself.
	if err := w.addDirLocked(filepath.Dir(abs)); err != nil {
		return err
	}
	w.entries[module] = &entry{name: module, path: abs}
	w.byPath[abs] = module
	w.lg.Debug().Str("module", module).Str("path", abs).Msg("watching")
	return nil
}

// Unwatch stops future events for the module. Current registrations are
// untouched.
func (w *Watcher) Unwatch(module string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	e, ok := w.entries[module]
	if !ok {
		return fmt.Errorf("module %q is not watched", module)
	}
	w.dropPathLocked(e)
	delete(w.entries, module)
	w.lg.Debug().Str("module", module).Msg("unwatched")
	return nil
}

// Watched returns the module → path map currently armed.
func (w *Watcher) Watched() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.entries))
	for name, e := range w.entries {
		out[name] = e.path
	}
	return out
}

// Restart disables then re-arms every watcher from the recorded path set.
func (w *Watcher) Restart() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	paths := make(map[string]string, len(w.entries))
	for name, e := range w.entries {
		paths[name] = e.path
	}
	for _, e := range w.entries {
		w.dropPathLocked(e)
	}
	w.entries = make(map[string]*entry)
	w.byPath = make(map[string]string)
	w.mu.Unlock()

	var errs []error
	for name, path := range paths {
		if err := w.Watch(name, path); err != nil {
			errs = append(errs, fmt.Errorf("re-watching %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the watcher. Pending debounce timers are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, e := range w.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	w.mu.Unlock()

	w.cancel()
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) checkRoots(abs string) error {
	if len(w.roots) == 0 {
		return nil
	}
	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	}
	for _, root := range w.roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if r, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = r
		}
		if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %s resolves outside the watched roots", abs)
}

// addDirLocked is idempotent; fsnotify deduplicates directory watches.
func (w *Watcher) addDirLocked(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) dropPathLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(w.byPath, e.path)
	// The directory watch stays: other modules may share it, and a stale
	// directory watch only costs filtered events.
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.lg.Warn().Err(err).Msg("watch error")
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	module, ok := w.byPath[abs]
	if !ok || w.closed {
		return
	}
	e := w.entries[module]

	switch {
	case event.Has(fsnotify.Remove):
		// Editors often replace via rename; only a real delete retires
		// the module. Stat decides.
		if _, statErr := os.Stat(abs); statErr == nil {
			w.scheduleLocked(e)
			return
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		delete(w.byPath, e.path)
		delete(w.entries, module)
		go func() {
			if err := w.reloader.Remove(module, fmt.Errorf("descriptor %s deleted", abs)); err != nil {
				w.lg.Warn().Err(err).Str("module", module).Msg("retiring removed module failed")
			}
		}()
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create), event.Has(fsnotify.Rename):
		w.scheduleLocked(e)
	}
}

// scheduleLocked (re)arms the module's debounce timer.
func (w *Watcher) scheduleLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	module, path := e.name, e.path
	e.timer = time.AfterFunc(w.debounce, func() {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.reloader.Reload(w.ctx, module, path); err != nil {
			w.lg.Warn().Err(err).Str("module", module).Msg("hot reload failed")
			return
		}
		w.lg.Info().Str("module", module).Msg("module hot reloaded")
	})
}
