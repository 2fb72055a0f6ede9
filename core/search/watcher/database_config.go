package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adalundhe/pxsearch/core/search"
)

// Config configures a DatabaseConfigWatcher.
type Config struct {
	// BaseDirectory holds one directory per database.
	BaseDirectory string

	Debounce time.Duration

	// PollInterval, when positive, replaces fsnotify with a Poller scanning
	// at this interval.
	PollInterval time.Duration

	Logger *slog.Logger
}

// eventSource produces FileEvents for database.config files.
type eventSource interface {
	Start(ctx context.Context) (<-chan *FileEvent, error)
	Stop() error
}

// DatabaseConfigWatcher emits a ChangeNotification per indexed language whenever
// a database.config under the base directory is written.
type DatabaseConfigWatcher struct {
	source eventSource
	base   string
	logger *slog.Logger
}

// NewDatabaseConfigWatcher creates a watcher over cfg.BaseDirectory.
func NewDatabaseConfigWatcher(cfg Config) (*DatabaseConfigWatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var source eventSource
	if cfg.PollInterval > 0 {
		source = NewPoller(PollConfig{Interval: cfg.PollInterval, RootPath: cfg.BaseDirectory})
	} else {
		fsw, err := NewFSWatcher(WatchConfig{
			Paths:           []string{cfg.BaseDirectory},
			IncludePatterns: []string{DatabaseConfigName},
			ExcludePatterns: []string{"_INDEX", ".*"},
			Debounce:        cfg.Debounce,
		})
		if err != nil {
			return nil, err
		}
		source = fsw
	}
	return &DatabaseConfigWatcher{
		source: source,
		base:   cfg.BaseDirectory,
		logger: cfg.Logger,
	}, nil
}

// Start begins watching. The returned channel is closed when ctx is cancelled
// or Stop is called.
func (w *DatabaseConfigWatcher) Start(ctx context.Context) (<-chan search.ChangeNotification, error) {
	events, err := w.source.Start(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan search.ChangeNotification, defaultEventBuffer)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Operation == OpDelete || ev.Operation == OpRename {
				continue
			}
			for _, n := range w.Notifications(ev.Path) {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	w.logger.Info("watching database settings", "base_directory", w.base)
	return out, nil
}

// Stop stops the watcher.
func (w *DatabaseConfigWatcher) Stop() error {
	return w.source.Stop()
}

// Notifications reads one database.config and returns a notification for each
// language index of its database. Unreadable or unstamped files yield none.
func (w *DatabaseConfigWatcher) Notifications(configPath string) []search.ChangeNotification {
	changedAt, err := ReadIndexUpdated(configPath)
	if err != nil {
		w.logger.Debug("database settings ignored", "path", configPath, "error", err)
		return nil
	}

	dir := filepath.Dir(configPath)
	langs, err := IndexLanguages(dir)
	if err != nil {
		w.logger.Debug("database has no indexes", "path", dir, "error", err)
		return nil
	}

	database := filepath.Base(dir)
	out := make([]search.ChangeNotification, 0, len(langs))
	for _, lang := range langs {
		out = append(out, search.ChangeNotification{
			Database:  database,
			Language:  lang,
			ChangedAt: changedAt,
		})
	}
	return out
}
