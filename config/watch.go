package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc is called with the project whose document changed on disk.
type ChangeFunc func(ctx context.Context, project string)

// WatchOptions tunes the config directory watcher.
type WatchOptions struct {
	// Debounce coalesces bursts of events (editors write + rename) into one
	// callback per project. Default 500ms.
	Debounce time.Duration
	// Rescan is the interval of the mtime fallback scan that catches changes
	// fsnotify misses on network or overlay filesystems. Default 30s.
	Rescan time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *WatchOptions) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.Rescan <= 0 {
		o.Rescan = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watch blocks watching dir for production document changes and calls
// onChange once per changed project after the debounce window. It returns
// when ctx is cancelled, or immediately with an error if the watch cannot be
// established.
func Watch(ctx context.Context, dir string, onChange ChangeFunc, opts WatchOptions) error {
	opts.defaults()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	pending := make(map[string]struct{})
	debounce := time.NewTimer(opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	rescan := time.NewTicker(opts.Rescan)
	defer rescan.Stop()
	mtimes := snapshotMtimes(dir)

	mark := func(project string) {
		pending[project] = struct{}{}
		debounce.Reset(opts.Debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if project := projectForPath(ev.Name); project != "" {
				mark(project)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Warn("config watcher error", "dir", dir, "error", err)

		case <-debounce.C:
			for project := range pending {
				delete(pending, project)
				opts.Logger.Info("config change detected", "project", project)
				onChange(ctx, project)
			}
			mtimes = snapshotMtimes(dir)

		case <-rescan.C:
			cur := snapshotMtimes(dir)
			for project, mt := range cur {
				if old, ok := mtimes[project]; !ok || !old.Equal(mt) {
					mark(project)
				}
			}
		}
	}
}

// projectForPath maps a document path to its project name, or "" for files
// the watcher should ignore.
func projectForPath(path string) string {
	ext := filepath.Ext(path)
	if ext != ".yaml" && ext != ".yml" {
		return ""
	}
	base := filepath.Base(path)
	if len(base) == len(ext) { // dotfile like ".yaml"
		return ""
	}
	return base[:len(base)-len(ext)]
}

func snapshotMtimes(dir string) map[string]time.Time {
	out := make(map[string]time.Time)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		project := projectForPath(e.Name())
		if project == "" {
			continue
		}
		if info, err := e.Info(); err == nil {
			out[project] = info.ModTime()
		}
	}
	return out
}
