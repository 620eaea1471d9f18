package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultIgnore are names whose changes never trigger a run: VCS metadata,
// byte code and the outputs of the targets themselves.
var DefaultIgnore = []string{".git", ".tox", "__pycache__", "node_modules", "*.pyc", "*.mo", ".coverage", "htmlcov", "pii_report", ".pie"}

// Watcher re-runs work when files under its paths change.
type Watcher struct {
	Paths []string

	// Debounce collapses a burst of changes into one run.
	Debounce time.Duration

	// Ignore holds filepath.Match patterns tested against base names.
	Ignore []string

	logger zerolog.Logger
}

// NewWatcher watches paths, recursively for directories.
func NewWatcher(logger zerolog.Logger, paths ...string) *Watcher {
	return &Watcher{
		Paths:    paths,
		Debounce: 300 * time.Millisecond,
		Ignore:   DefaultIgnore,
		logger:   logger,
	}
}

// Run calls fn with the changed files after every debounced burst of
// changes until ctx is done. Runs never overlap; an error from fn is logged
// and watching continues. The ready channel, if not nil, is closed once the
// paths are watched.
func (w *Watcher) Run(ctx context.Context, ready chan<- struct{}, fn func(ctx context.Context, changed []string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range w.Paths {
		if err := w.add(watcher, path); err != nil {
			return err
		}
	}
	w.logger.Info().Strs("paths", w.Paths).Msg("watching for changes")
	if ready != nil {
		close(ready)
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(watcher, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}

			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("file changed")
			pending[event.Name] = struct{}{}
			timer.Reset(w.Debounce)

		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for name := range pending {
				changed = append(changed, name)
			}
			sort.Strings(changed)
			clear(pending)

			if err := fn(ctx, changed); err != nil {
				w.logger.Error().Err(err).Msg("run after change failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// add watches path and, for a directory, every directory below it that is
// not ignored.
func (w *Watcher) add(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && w.ignored(p) {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.Ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
