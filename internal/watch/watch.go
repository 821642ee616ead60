// Package watch calls back when a single file changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors which save by writing a temp file and renaming it over the
// original are still seen. Bursts of events are collapsed into one
// callback after a quiet period.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/54b3r/aurora-rag/internal/logging"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 500 * time.Millisecond

// FileWatcher watches one file and invokes a callback after it changes.
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)
	log      *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	timer    *time.Timer
	stopped  bool
	inflight sync.WaitGroup

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithDebounce sets the quiet period. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger for watch events.
func WithLogger(l *slog.Logger) Option {
	return func(w *FileWatcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New constructs a FileWatcher for path. onChange runs on its own goroutine
// with the context passed to Start.
func New(path string, onChange func(ctx context.Context), opts ...Option) (*FileWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("watch: onChange is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolving %s: %w", path, err)
	}
	w := &FileWatcher{
		path:     filepath.Clean(abs),
		debounce: DefaultDebounce,
		onChange: onChange,
		log:      logging.Discard(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string { return w.path }

// Start begins watching. It returns once the watch is registered; events are
// handled until ctx is cancelled or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch: adding %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.ctx = ctx
	w.mu.Unlock()

	w.log.Info("watching file", slog.String("path", w.path), slog.Duration("debounce", w.debounce))
	go w.run(ctx)
	return nil
}

// Stop ends the watch and waits for a running callback to return. It is safe
// to call more than once.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		if w.timer != nil {
			w.timer.Stop()
		}
		fw := w.watcher
		w.mu.Unlock()

		close(w.done)
		if fw != nil {
			_ = fw.Close()
		}
	})
	w.inflight.Wait()
}

func (w *FileWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", slog.Any("error", err))
		}
	}
}

func (w *FileWatcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	w.log.Debug("watch event", slog.String("op", ev.Op.String()), slog.String("path", ev.Name))
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		w.schedule()
	}
}

// schedule (re)arms the debounce timer.
func (w *FileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *FileWatcher) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	ctx := w.ctx
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	w.log.Info("file changed", slog.String("path", w.path))
	w.onChange(ctx)
}
