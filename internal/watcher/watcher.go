package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Root is a sync root watched on behalf of an account
type Root struct {
	Account string
	Path    string
}

// Options tunes a Watcher
type Options struct {
	Debounce        time.Duration
	IgnorePatterns  []string
	IncludePatterns []string
	// Skip drops files by base name, for files the sync writes itself
	Skip   func(name string) bool
	Logger *slog.Logger
}

// Watcher monitors the sync roots of all accounts for file changes
type Watcher struct {
	roots     []Root
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	opts      Options
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a watcher over roots
func New(roots []Root, opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cleaned := make([]Root, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve sync root %s: %w", r.Path, err)
		}
		cleaned = append(cleaned, Root{Account: r.Account, Path: abs})
	}
	// Longest first so nested roots resolve to the innermost account
	sort.Slice(cleaned, func(i, j int) bool { return len(cleaned[i].Path) > len(cleaned[j].Path) })

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		roots:     cleaned,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(opts.Debounce),
		opts:      opts,
		logger:    opts.Logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching every root and its subdirectories
func (w *Watcher) Start(ctx context.Context) error {
	for _, r := range w.roots {
		if err := w.addRecursive(r.Path); err != nil {
			return err
		}
		w.logger.Info("watching sync root", "account", r.Account, "path", r.Path)
	}

	go w.processEvents(ctx)
	return nil
}

// Events returns the channel of debounced file events
func (w *Watcher) Events() <-chan FileEvent {
	return w.debouncer.Events()
}

// Flush emits all pending debounced events
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// Stop stops the watcher and closes the event channel
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.debouncer.Stop()
		err = w.watcher.Close()
	})
	return err
}

// addRecursive adds a directory and all subdirectories to the watcher
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("error walking path", "path", p, "error", err)
			return nil // Continue walking
		}
		if !d.IsDir() {
			return nil
		}

		if _, rel, ok := w.resolve(p); ok && rel != "" && w.shouldIgnore(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn("failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	root, rel, ok := w.resolve(event.Name)
	if !ok || rel == "" || w.shouldIgnore(rel) {
		return
	}
	if w.opts.Skip != nil && w.opts.Skip(filepath.Base(event.Name)) {
		return
	}

	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	var op Op
	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
			return
		}
		op = OpCreate
	case event.Has(fsnotify.Write):
		if isDir {
			return
		}
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as a create
		op = OpDelete
	default:
		return // chmod
	}

	if !w.shouldInclude(rel) {
		return
	}
	w.debouncer.Add(FileEvent{Account: root.Account, Path: rel, Op: op})
}

// resolve finds the root containing abs and the slash separated path below it
func (w *Watcher) resolve(abs string) (Root, string, bool) {
	for _, r := range w.roots {
		rel, err := filepath.Rel(r.Path, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if rel == "." {
			rel = ""
		}
		return r, filepath.ToSlash(rel), true
	}
	return Root{}, "", false
}

// shouldIgnore checks if a path or any of its parents matches an ignore pattern
func (w *Watcher) shouldIgnore(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, pattern := range w.opts.IgnorePatterns {
		for i := 1; i <= len(parts); i++ {
			partial := strings.Join(parts[:i], "/")
			if matched, _ := doublestar.Match(pattern, partial); matched {
				return true
			}
		}
	}
	return false
}

// shouldInclude checks if a path matches include patterns (or returns true if no patterns)
func (w *Watcher) shouldInclude(relPath string) bool {
	if len(w.opts.IncludePatterns) == 0 {
		return true
	}

	for _, pattern := range w.opts.IncludePatterns {
		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return true
		}
	}
	return false
}
