// Package watcher detects index changes made by other processes. It watches the
// database directories under a base directory for database.config files and
// turns their searchIndex/indexUpdated stamp into change notifications.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// =============================================================================
// Constants
// =============================================================================

// DefaultDebounce is the default debounce interval for file events.
const DefaultDebounce = 250 * time.Millisecond

// defaultEventBuffer is the capacity of the FileEvent channel.
const defaultEventBuffer = 64

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoPathsConfigured indicates no watch paths were specified.
	ErrNoPathsConfigured = errors.New("no paths configured for watching")

	// ErrPathNotExist indicates a watch path does not exist.
	ErrPathNotExist = errors.New("watch path does not exist")

	// ErrPathNotDirectory indicates a watch path is not a directory.
	ErrPathNotDirectory = errors.New("watch path is not a directory")

	// ErrInvalidPattern indicates a glob pattern could not be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("watcher already started")
)

// =============================================================================
// FileEvent
// =============================================================================

// FileOperation is the kind of change behind a FileEvent.
type FileOperation int

const (
	OpCreate FileOperation = iota
	OpModify
	OpDelete
	OpRename
)

// String returns a human-readable name for the file operation.
func (op FileOperation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent is a debounced change to one file.
type FileEvent struct {
	Path      string
	Operation FileOperation
	Time      time.Time
}

// =============================================================================
// WatchConfig
// =============================================================================

// WatchConfig configures an FSWatcher.
type WatchConfig struct {
	// Paths are the directories to watch recursively.
	Paths []string

	// IncludePatterns restrict emitted events to files whose base name matches
	// one of the globs. Empty emits every file.
	IncludePatterns []string

	// ExcludePatterns are globs for files and directories to ignore.
	ExcludePatterns []string

	// Debounce is the quiet period before an event for a path is emitted.
	Debounce time.Duration
}

// =============================================================================
// FSWatcher
// =============================================================================

type pendingEvent struct {
	event *FileEvent
	timer *time.Timer
}

// FSWatcher monitors directory trees with fsnotify and emits debounced events.
type FSWatcher struct {
	config   WatchConfig
	watcher  *fsnotify.Watcher
	includes []glob.Glob
	excludes []glob.Glob

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	eventCh  chan *FileEvent
	done     chan struct{}
	emitting sync.WaitGroup
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// NewFSWatcher creates a watcher. Paths must be existing directories.
func NewFSWatcher(config WatchConfig) (*FSWatcher, error) {
	if err := validatePaths(config.Paths); err != nil {
		return nil, err
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	includes, err := compilePatterns(config.IncludePatterns)
	if err != nil {
		return nil, err
	}
	excludes, err := compilePatterns(config.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FSWatcher{
		config:   config,
		watcher:  w,
		includes: includes,
		excludes: excludes,
		pending:  make(map[string]*pendingEvent),
		eventCh:  make(chan *FileEvent, defaultEventBuffer),
		done:     make(chan struct{}),
	}, nil
}

func validatePaths(paths []string) error {
	if len(paths) == 0 {
		return ErrNoPathsConfigured
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return ErrPathNotExist
			}
			return err
		}
		if !info.IsDir() {
			return ErrPathNotDirectory
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// =============================================================================
// Start
// =============================================================================

// Start begins watching. The returned channel is closed when ctx is cancelled
// or Stop is called.
func (w *FSWatcher) Start(ctx context.Context) (<-chan *FileEvent, error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	for _, path := range w.config.Paths {
		if err := w.addDirectoryRecursive(path); err != nil {
			_ = w.Stop()
			w.cleanup()
			return nil, err
		}
	}

	go w.processEvents(ctx)
	return w.eventCh, nil
}

// addDirectoryRecursive adds a directory and its non-excluded subdirectories.
func (w *FSWatcher) addDirectoryRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.isExcluded(w.relative(path)) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// =============================================================================
// Event Processing
// =============================================================================

func (w *FSWatcher) processEvents(ctx context.Context) {
	defer w.cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *FSWatcher) handleFSEvent(event fsnotify.Event) {
	if w.isExcluded(w.relative(event.Name)) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addDirectoryRecursive(event.Name)
			return
		}
	}

	if !w.isIncluded(event.Name) {
		return
	}
	w.scheduleEvent(event.Name, mapOperation(event.Op))
}

// mapOperation converts fsnotify.Op to FileOperation; the first match wins.
func mapOperation(op fsnotify.Op) FileOperation {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpModify
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpModify
	}
}

// =============================================================================
// Debouncing
// =============================================================================

func (w *FSWatcher) scheduleEvent(path string, op FileOperation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	event := &FileEvent{Path: path, Operation: op, Time: time.Now()}
	if existing, ok := w.pending[path]; ok {
		existing.timer.Stop()
		existing.event = event
		existing.timer = w.debounce(path, event)
		return
	}
	w.pending[path] = &pendingEvent{event: event, timer: w.debounce(path, event)}
}

func (w *FSWatcher) debounce(path string, event *FileEvent) *time.Timer {
	return time.AfterFunc(w.config.Debounce, func() {
		w.emitEvent(path, event)
	})
}

// emitEvent delivers an event unless the watcher stops first.
func (w *FSWatcher) emitEvent(path string, event *FileEvent) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if p, ok := w.pending[path]; ok && p.event == event {
		delete(w.pending, path)
	}
	w.emitting.Add(1)
	w.mu.Unlock()
	defer w.emitting.Done()

	select {
	case w.eventCh <- event:
	case <-w.done:
	}
}

// =============================================================================
// Filtering
// =============================================================================

func (w *FSWatcher) isIncluded(path string) bool {
	if len(w.includes) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, g := range w.includes {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// relative returns path relative to the watch root containing it, so patterns
// never match the root's own ancestors.
func (w *FSWatcher) relative(path string) string {
	for _, root := range w.config.Paths {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return rel
		}
	}
	return path
}

// isExcluded matches the full path, the base name and each path suffix.
func (w *FSWatcher) isExcluded(path string) bool {
	if len(w.excludes) == 0 {
		return false
	}
	parts := splitPath(path)
	for _, g := range w.excludes {
		if g.Match(path) {
			return true
		}
		for i := range parts {
			if g.Match(filepath.Join(parts[i:]...)) || g.Match(parts[i]) {
				return true
			}
		}
	}
	return false
}

func splitPath(path string) []string {
	var parts []string
	for path != "" && path != "/" && path != "." {
		dir, file := filepath.Split(path)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		path = filepath.Clean(dir)
		if path == dir {
			break
		}
	}
	return parts
}

// =============================================================================
// Stop
// =============================================================================

// Stop stops the watcher. Safe to call multiple times.
func (w *FSWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.pending = make(map[string]*pendingEvent)
		close(w.done)
		w.mu.Unlock()

		err = w.watcher.Close()
	})
	return err
}

// cleanup closes the event channel once no emitter can send on it.
func (w *FSWatcher) cleanup() {
	_ = w.Stop()
	w.emitting.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.eventCh != nil {
		close(w.eventCh)
		w.eventCh = nil
	}
}
