// Package watcher turns files dropped into the intake directory into queued
// jobs once they stop changing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/service"
)

const DefaultStabilityWindow = 3 * time.Second

// Enqueuer is satisfied by *service.JobsService.
type Enqueuer interface {
	EnqueueFile(ctx context.Context, path string, ownerID *string) (*domain.Job, error)
}

type Config struct {
	Dir             string
	Extensions      []string
	ExcludePatterns []string
	ExcludeDirs     []string
	StabilityWindow time.Duration
	Logger          *slog.Logger
}

type pendingFile struct {
	timer   *time.Timer
	size    int64
	modTime time.Time
}

// Watcher debounces filesystem events per path and enqueues each file once
// its size and modification time are stable for the configured window.
type Watcher struct {
	dir         string
	extensions  map[string]bool
	patterns    []string
	excludeDirs map[string]bool
	window      time.Duration
	enqueuer    Enqueuer
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingFile
}

func New(enqueuer Enqueuer, cfg Config) *Watcher {
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = DefaultStabilityWindow
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".csv", ".xlsx"}
	}

	extensions := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = true
	}
	excludeDirs := make(map[string]bool, len(cfg.ExcludeDirs))
	for _, dir := range cfg.ExcludeDirs {
		excludeDirs[strings.ToLower(strings.TrimSpace(dir))] = true
	}
	patterns := make([]string, 0, len(cfg.ExcludePatterns))
	for _, pattern := range cfg.ExcludePatterns {
		if pattern = strings.ToLower(strings.TrimSpace(pattern)); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}

	return &Watcher{
		dir:         cfg.Dir,
		extensions:  extensions,
		patterns:    patterns,
		excludeDirs: excludeDirs,
		window:      cfg.StabilityWindow,
		enqueuer:    enqueuer,
		logger:      cfg.Logger,
		pending:     make(map[string]*pendingFile),
	}
}

// Run watches the intake directory tree until ctx is cancelled. Files already
// present when Run starts are picked up as if they had just arrived.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create intake dir: %w", err)
	}

	events, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer events.Close()
	defer w.stopPending()

	if err := w.watchTree(ctx, events, w.dir); err != nil {
		return err
	}
	w.logInfo("watching intake directory", "dir", w.dir, "window", w.window)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, events, event)
		case err, ok := <-events.Errors:
			if !ok {
				return nil
			}
			w.logWarn("fs watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, events *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.forget(event.Name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) && !w.excludedDir(event.Name) {
				if err := w.watchTree(ctx, events, event.Name); err != nil {
					w.logWarn("watch new directory failed", "dir", event.Name, "error", err)
				}
			}
			return
		}
		if w.Accepts(event.Name) {
			w.schedule(ctx, event.Name, info)
		}
	}
}

// watchTree adds root and every non-excluded sub-directory, scheduling the
// files it finds.
func (w *Watcher) watchTree(ctx context.Context, events *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if entry.IsDir() {
			if path != w.dir && w.excludedDir(path) {
				return filepath.SkipDir
			}
			if err := events.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if !w.Accepts(path) {
			return nil
		}
		if info, err := entry.Info(); err == nil {
			w.schedule(ctx, path, info)
		}
		return nil
	})
}

// Accepts reports whether path has an accepted extension, does not match an
// excluded name pattern and is not under an excluded directory.
func (w *Watcher) Accepts(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if !w.extensions[filepath.Ext(name)] {
		return false
	}
	for _, pattern := range w.patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return false
		}
	}
	return !w.excludedDir(filepath.Dir(path))
}

func (w *Watcher) excludedDir(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.excludeDirs[strings.ToLower(part)] {
			return true
		}
	}
	return false
}

// schedule arms or re-arms the stability timer for path.
func (w *Watcher) schedule(ctx context.Context, path string, info fs.FileInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pending, ok := w.pending[path]; ok {
		pending.size = info.Size()
		pending.modTime = info.ModTime()
		pending.timer.Reset(w.window)
		return
	}
	pending := &pendingFile{size: info.Size(), modTime: info.ModTime()}
	pending.timer = time.AfterFunc(w.window, func() { w.settle(ctx, path) })
	w.pending[path] = pending
}

// settle enqueues path if it did not change since it was last observed,
// otherwise waits another window.
func (w *Watcher) settle(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, statErr := os.Stat(path)

	w.mu.Lock()
	pending, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	if statErr != nil {
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if info.Size() != pending.size || !info.ModTime().Equal(pending.modTime) {
		pending.size = info.Size()
		pending.modTime = info.ModTime()
		pending.timer.Reset(w.window)
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	w.enqueue(ctx, path)
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	job, err := w.enqueuer.EnqueueFile(ctx, path, nil)
	switch {
	case errors.Is(err, service.ErrDuplicateJob):
		w.logInfo("file already queued", "file", path)
	case err != nil:
		w.logError("enqueue file failed", "file", path, "error", err)
	default:
		w.logInfo("file queued", "file", path, "job_id", job.ID, "tag", job.Tag)
	}
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pending, ok := w.pending[path]; ok {
		pending.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, pending := range w.pending {
		pending.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) logInfo(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Watcher) logWarn(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}

func (w *Watcher) logError(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}
