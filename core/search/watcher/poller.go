package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidInterval indicates the poll interval is invalid.
	ErrInvalidInterval = errors.New("interval must be positive")

	// ErrEmptyRootPath indicates the root path was not specified.
	ErrEmptyRootPath = errors.New("root path cannot be empty")

	// ErrAlreadyRunning indicates the poller is already running.
	ErrAlreadyRunning = errors.New("poller is already running")
)

// PollConfig configures a Poller.
type PollConfig struct {
	// Interval is the time between scan cycles.
	Interval time.Duration

	// RootPath holds one directory per database.
	RootPath string
}

// Validate checks that the configuration is valid.
func (c *PollConfig) Validate() error {
	if c.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.RootPath == "" {
		return ErrEmptyRootPath
	}
	return nil
}

// Poller detects database.config changes by comparing modification times on a
// schedule. It serves file systems where fsnotify misses events, such as
// network shares.
type Poller struct {
	config PollConfig

	running atomic.Bool

	mu        sync.Mutex
	seen      map[string]time.Time
	baselined bool
	stopCh    chan struct{}
}

// NewPoller creates a Poller.
func NewPoller(config PollConfig) *Poller {
	return &Poller{
		config: config,
		seen:   make(map[string]time.Time),
	}
}

// Start takes a baseline scan and then reports changed database.config paths
// every interval. The channel is closed when ctx is cancelled or Stop is
// called.
func (p *Poller) Start(ctx context.Context) (<-chan *FileEvent, error) {
	if err := p.config.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(p.config.RootPath); os.IsNotExist(err) {
		return nil, ErrPathNotExist
	}
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	p.mu.Lock()
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.scan()

	changes := make(chan *FileEvent)
	go p.loop(ctx, stopCh, changes)
	return changes, nil
}

func (p *Poller) loop(ctx context.Context, stopCh <-chan struct{}, changes chan<- *FileEvent) {
	defer close(changes)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			for _, ev := range p.scan() {
				select {
				case changes <- ev:
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				}
			}
		}
	}
}

// scan records the modification time of every database.config and returns
// events for files that are new or changed since the previous scan.
func (p *Poller) scan() []*FileEvent {
	entries, err := os.ReadDir(p.config.RootPath)
	if err != nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	first := !p.baselined
	p.baselined = true
	var events []*FileEvent
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(p.config.RootPath, entry.Name(), DatabaseConfigName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		prev, known := p.seen[path]
		p.seen[path] = info.ModTime()
		switch {
		case !known && !first:
			events = append(events, &FileEvent{Path: path, Operation: OpCreate, Time: time.Now()})
		case known && !info.ModTime().Equal(prev):
			events = append(events, &FileEvent{Path: path, Operation: OpModify, Time: time.Now()})
		}
	}
	return events
}

// Stop ends polling. Safe to call multiple times.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
	return nil
}
