// Package watch follows a job directory with fsnotify and reports bursts of
// changes to the files that matter for inspection. It never edits anything.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the many small writes a running job makes.
const DefaultDebounce = 2 * time.Second

// ErrNoNames is returned when there is nothing to watch for.
var ErrNoNames = errors.New("watch: no file names configured")

type Config struct {
	Dir string
	// Names are base names inside Dir; events on any other file are dropped.
	Names    []string
	Debounce time.Duration
	// Interval, when positive, also calls the handler on a timer with no
	// changed paths, so a job that has stopped writing is still looked at.
	Interval time.Duration
}

// Handler receives the changed paths of one debounced burst, sorted. It is
// called with nil on an interval tick.
type Handler func(ctx context.Context, changed []string)

type Watcher struct {
	cfg   Config
	names map[string]bool
	fs    *fsnotify.Watcher
	log   *slog.Logger
}

// New starts watching cfg.Dir. The directory is watched rather than the
// files so that logs created or renamed later are still seen.
func New(cfg Config, log *slog.Logger) (*Watcher, error) {
	if len(cfg.Names) == 0 {
		return nil, ErrNoNames
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	names := make(map[string]bool, len(cfg.Names))
	for _, n := range cfg.Names {
		names[filepath.Base(n)] = true
	}
	return &Watcher{cfg: cfg, names: names, fs: fw, log: log}, nil
}

// Run delivers debounced bursts to h until ctx is cancelled or the watcher
// is closed. Handler calls never overlap.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	defer func() { _ = w.fs.Close() }()

	pending := map[string]bool{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var tick <-chan time.Time
	if w.cfg.Interval > 0 {
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.names[filepath.Base(ev.Name)] {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(w.cfg.Debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "dir", w.cfg.Dir, "error", err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = map[string]bool{}
			h(ctx, changed)
		case <-tick:
			h(ctx, nil)
		}
	}
}

// Close stops a watcher whose Run was never called.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
