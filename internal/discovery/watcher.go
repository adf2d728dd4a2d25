// Package discovery watches directory trees for project config files and
// reports project directories as their configs appear and disappear.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gurisko/reaper/internal/projectconfig"
)

// DefaultMaxDepth bounds how far below a root directories are watched
const DefaultMaxDepth = 4

// DefaultIgnore lists directory names that are never descended into
var DefaultIgnore = []string{".git", "node_modules", ".terraform"}

// Handler receives project directories. Calls are made from the watcher's
// goroutine, one at a time.
type Handler interface {
	ProjectDiscovered(ctx context.Context, path string)
	ProjectRemoved(ctx context.Context, path string)
}

// Options configures a Watcher
type Options struct {
	Roots    []string
	MaxDepth int
	Ignore   []string
}

// Watcher reports project directories found under its roots
type Watcher struct {
	roots    []string
	maxDepth int
	ignore   []string
	handler  Handler
	log      *slog.Logger
	fsw      *fsnotify.Watcher

	mu    sync.Mutex
	dirs  map[string]int    // watched directory -> depth below its root
	known map[string]string // project directory -> config file
}

// New creates a watcher. Roots are made absolute; missing roots are skipped
// with a warning when Run starts.
func New(opts Options, handler Handler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}

	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("invalid watch path %q: %w", r, err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		if !slices.Contains(roots, abs) {
			roots = append(roots, abs)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		roots:    roots,
		maxDepth: opts.MaxDepth,
		ignore:   opts.Ignore,
		handler:  handler,
		log:      logger.With("component", "discovery"),
		fsw:      fsw,
		dirs:     make(map[string]int),
		known:    make(map[string]string),
	}, nil
}

// Run scans the roots, reports every project already present and then
// follows file system events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for _, root := range w.roots {
		fi, err := os.Stat(root)
		if err != nil || !fi.IsDir() {
			w.log.Warn("skipping watch path", "path", root, "error", err)
			continue
		}
		w.addTree(ctx, root, 0)
	}
	w.log.Info("watching for projects", "roots", w.roots, "directories", len(w.Dirs()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("event queue overflowed, rescanning")
				for _, root := range w.roots {
					w.addTree(ctx, root, 0)
				}
				continue
			}
			w.log.Error("watch error", "error", err)
		}
	}
}

// Dirs returns the watched directories, sorted.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Projects returns the project directories currently known, sorted.
func (w *Watcher) Projects() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.known))
	for d := range w.known {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) ignored(name string) bool {
	return slices.Contains(w.ignore, name)
}

// addTree watches dir and its subdirectories down to maxDepth and reports
// any config files found along the way.
func (w *Watcher) addTree(ctx context.Context, dir string, depth int) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if !d.IsDir() {
			if projectconfig.IsConfigFile(path) {
				w.configAppeared(ctx, path)
			}
			return nil
		}

		level := depth + strings.Count(strings.TrimPrefix(path, dir), string(filepath.Separator))
		if path != dir && w.ignored(d.Name()) {
			return fs.SkipDir
		}
		if level > w.maxDepth {
			return fs.SkipDir
		}
		w.watch(path, level)
		return nil
	})
	if err != nil {
		w.log.Warn("failed to scan directory", "path", dir, "error", err)
	}
}

func (w *Watcher) watch(dir string, depth int) {
	w.mu.Lock()
	_, ok := w.dirs[dir]
	w.mu.Unlock()
	if ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.log.Warn("failed to watch directory", "path", dir, "error", err)
		return
	}
	w.mu.Lock()
	w.dirs[dir] = depth
	w.mu.Unlock()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		fi, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if fi.IsDir() {
			w.mu.Lock()
			parent, ok := w.dirs[filepath.Dir(ev.Name)]
			w.mu.Unlock()
			if ok && !w.ignored(filepath.Base(ev.Name)) && parent+1 <= w.maxDepth {
				w.addTree(ctx, ev.Name, parent+1)
			}
			return
		}
		if projectconfig.IsConfigFile(ev.Name) {
			w.configAppeared(ctx, ev.Name)
		}

	case ev.Has(fsnotify.Write):
		if projectconfig.IsConfigFile(ev.Name) {
			w.configAppeared(ctx, ev.Name)
		}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.pathGone(ctx, ev.Name)
	}
}

func (w *Watcher) configAppeared(ctx context.Context, file string) {
	dir := filepath.Dir(file)
	w.mu.Lock()
	_, seen := w.known[dir]
	if !seen {
		w.known[dir] = file
	}
	w.mu.Unlock()
	if seen {
		return
	}
	w.log.Info("project config found", "path", dir)
	w.handler.ProjectDiscovered(ctx, dir)
}

// pathGone handles a removed or renamed path. A vanished config only counts
// as a removal when no other config name is left in its directory.
func (w *Watcher) pathGone(ctx context.Context, name string) {
	var gone []string

	w.mu.Lock()
	for d := range w.dirs {
		if d == name || strings.HasPrefix(d, name+string(filepath.Separator)) {
			delete(w.dirs, d)
		}
	}
	for dir, file := range w.known {
		switch {
		case dir == name || strings.HasPrefix(dir, name+string(filepath.Separator)):
			gone = append(gone, dir)
		case file == name:
			if other, err := projectconfig.Find(dir); err == nil {
				w.known[dir] = other
				continue
			}
			gone = append(gone, dir)
		}
	}
	for _, dir := range gone {
		delete(w.known, dir)
	}
	w.mu.Unlock()

	sort.Strings(gone)
	for _, dir := range gone {
		w.log.Info("project config removed", "path", dir)
		w.handler.ProjectRemoved(ctx, dir)
	}
}
