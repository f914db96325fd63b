package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-applies the stall section of the config file whenever the
// file changes on disk. Changes go through Manager.Apply so the usual
// clamps and cache invalidation apply to hot reloads too.
type Watcher struct {
	path     string
	mgr      *Manager
	log      *slog.Logger
	debounce time.Duration
}

func NewWatcher(path string, mgr *Manager, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{path: path, mgr: mgr, log: log, debounce: 100 * time.Millisecond}
}

// Run watches until ctx is canceled. Editors replace files rather than
// writing in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "err", err)
		case <-pending:
			pending = nil
			w.reload()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed", "path", w.path, "err", err)
		return
	}
	prev, err := w.mgr.Apply(cfg.RuntimeUpdate())
	if err != nil {
		w.log.Warn("config reload rejected", "path", w.path, "err", err)
		return
	}
	cur := w.mgr.Read()
	w.log.Info("config reloaded",
		"stalling_enabled", cur.StallingEnabled,
		"bypass_enabled", cur.BypassEnabled,
		"default_timeout", cur.DefaultTimeout,
		"continue_timeout", cur.ContinueTimeout,
		"deny_on_timeout", cur.DenyOnTimeout,
		"prev_version", prev.Version,
		"version", cur.Version)
}
