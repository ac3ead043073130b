package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the config file on disk. Runtime configuration is
// immutable for the life of the process; the watcher exists so an operator
// edit is noticed and reported (restart required) instead of silently
// diverging from the running parameters.
type Watcher struct {
	path     string
	cooldown time.Duration
	onChange func(Config, error)
}

func NewWatcher(path string, onChange func(Config, error)) *Watcher {
	return &Watcher{
		path:     path,
		cooldown: 5 * time.Second,
		onChange: onChange,
	}
}

// Run blocks until ctx is canceled. Write and create events on the config
// file trigger a re-parse; the parsed result (or parse error) is handed to
// the callback, debounced by the cooldown window.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch registered on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var lastFired time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			now := time.Now()
			if now.Sub(lastFired) < w.cooldown {
				continue
			}
			lastFired = now
			cfg, err := Load(w.path)
			if w.onChange != nil {
				w.onChange(cfg, err)
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return nil
			}
		}
	}
}
