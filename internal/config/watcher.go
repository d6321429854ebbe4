package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 150 * time.Millisecond

// WatchedFiles are the home-directory files a running gate reacts to.
var WatchedFiles = []string{"config.yaml", "policy.yaml", "memory_policy.yaml"}

// ReloadEvent names a watched file that settled after a write, create or
// rename. Op is the union of the operations seen during the debounce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to the gate's config, policy and memory policy
// files. Changes to one file within the debounce window yield one event.
type Watcher struct {
	homeDir  string
	files    map[string]bool
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the coalescing window. Zero emits every event.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithFiles replaces the watched base names.
func WithFiles(names ...string) WatcherOption {
	return func(w *Watcher) {
		w.files = make(map[string]bool, len(names))
		for _, n := range names {
			w.files[n] = true
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "config_watcher"),
		events:   make(chan ReloadEvent, 16),
	}
	WithFiles(WatchedFiles...)(w)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The directory, not the files, so replace-by-rename saves are seen.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]fsnotify.Op{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			w.emit(ReloadEvent{Path: p, Op: pending[p]})
			delete(pending, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.files[filepath.Base(ev.Name)] {
				continue
			}
			pending[ev.Name] |= ev.Op
			if w.debounce <= 0 {
				flush()
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) emit(ev ReloadEvent) {
	select {
	case w.events <- ev:
		w.logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
	default:
		w.logger.Warn("config change dropped; reader is behind", "path", ev.Path)
	}
}
