// Package bleve stores the table search indexes of PX databases in Bleve.
// Each database and language has one index under <base>/<db>/_INDEX/<lang>.
// Writers build into a staging directory and swap it into place on commit, so
// readers only ever open complete indexes, read-only.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"

	"github.com/adalundhe/pxsearch/core/search"
)

// =============================================================================
// Layout
// =============================================================================

const (
	// IndexDirName is the directory under a database holding its indexes.
	IndexDirName = "_INDEX"

	// StagingDirName is the directory under IndexDirName holding in-progress builds.
	StagingDirName = ".staging"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultBatchSize is the number of documents per bleve batch.
	DefaultBatchSize = 100

	// MaxBatchSize is the largest accepted batch size.
	MaxBatchSize = 10000

	// DefaultBatchTimeout bounds a single batch commit.
	DefaultBatchTimeout = 30 * time.Second

	// swapRetries and swapRetryDelay bound how long OpenSearcher waits for a
	// swap in another process to publish its index.
	swapRetries    = 4
	swapRetryDelay = 25 * time.Millisecond
)

// ValidateBatchSize caps size at MaxBatchSize, using DefaultBatchSize for
// unset values.
func ValidateBatchSize(size int) int {
	if size <= 0 {
		return DefaultBatchSize
	}
	if size > MaxBatchSize {
		return MaxBatchSize
	}
	return size
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// BaseDirectory holds one directory per database.
	BaseDirectory string

	BatchSize    int
	BatchTimeout time.Duration
	Logger       *slog.Logger

	// Now returns the build time recorded on commit. Default: time.Now.
	Now func() time.Time
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyBaseDirectory indicates an engine without a base directory.
	ErrEmptyBaseDirectory = errors.New("base directory cannot be empty")

	// ErrInvalidName indicates a database or language unusable as a directory name.
	ErrInvalidName = errors.New("invalid database or language name")

	// ErrBatchTimeout indicates a batch commit did not finish in time.
	ErrBatchTimeout = errors.New("batch commit timeout")

	// ErrNilDocument indicates a nil document was provided.
	ErrNilDocument = errors.New("document cannot be nil")

	// ErrSearcherClosed indicates a query on a closed searcher.
	ErrSearcherClosed = errors.New("searcher is closed")
)

// =============================================================================
// Engine
// =============================================================================

// Engine opens Bleve-backed writers and searchers. It implements search.Engine.
type Engine struct {
	base         string
	batchSize    int
	batchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	// swapMu keeps searchers in this process from opening mid-swap.
	swapMu sync.RWMutex
}

var _ search.Engine = (*Engine)(nil)

// NewEngine creates an Engine rooted at cfg.BaseDirectory.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.BaseDirectory == "" {
		return nil, ErrEmptyBaseDirectory
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		base:         cfg.BaseDirectory,
		batchSize:    ValidateBatchSize(cfg.BatchSize),
		batchTimeout: cfg.BatchTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}, nil
}

// IndexPath returns the live index directory of a database and language.
func (e *Engine) IndexPath(database, language string) string {
	return filepath.Join(e.base, database, IndexDirName, language)
}

func (e *Engine) stagingRoot(database string) string {
	return filepath.Join(e.base, database, IndexDirName, StagingDirName)
}

// OpenWriter opens a staged writer. ModeCreate starts from an empty index;
// ModeAppend starts from a copy of the live index, or an empty one if none exists.
func (e *Engine) OpenWriter(ctx context.Context, database, language string, mode search.WriteMode) (search.IndexWriter, error) {
	if err := validateNames(database, language); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageRoot := e.stagingRoot(database)
	if err := os.MkdirAll(stageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	stagePath := filepath.Join(stageRoot, language+"-"+uuid.NewString())
	livePath := e.IndexPath(database, language)

	index, err := e.openStaging(livePath, stagePath, language, mode)
	if err != nil {
		_ = os.RemoveAll(stagePath)
		return nil, err
	}

	e.logger.Debug("index writer opened",
		"database", database, "language", language, "mode", mode.String(), "staging", stagePath)

	return &Writer{
		engine:    e,
		database:  database,
		language:  language,
		stagePath: stagePath,
		livePath:  livePath,
		index:     index,
		batch:     index.NewBatch(),
	}, nil
}

// openStaging creates or copies the index the writer builds into.
func (e *Engine) openStaging(livePath, stagePath, language string, mode search.WriteMode) (bleve.Index, error) {
	if mode == search.ModeAppend && dirExists(livePath) {
		if err := copyDir(livePath, stagePath); err != nil {
			return nil, fmt.Errorf("copy live index: %w", err)
		}
		index, err := bleve.Open(stagePath)
		if err != nil {
			return nil, fmt.Errorf("open staged index: %w", err)
		}
		return index, nil
	}

	index, err := bleve.New(stagePath, BuildIndexMapping(language))
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return index, nil
}

// OpenSearcher opens the live index read-only.
// Returns search.ErrNotIndexed when no index has been committed.
func (e *Engine) OpenSearcher(ctx context.Context, database, language string) (search.Handle, error) {
	if err := validateNames(database, language); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := e.IndexPath(database, language)

	e.swapMu.RLock()
	defer e.swapMu.RUnlock()

	for attempt := 0; !dirExists(path); attempt++ {
		if attempt == swapRetries || !e.swapPending(database, language) {
			return nil, search.ErrNotIndexed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(swapRetryDelay):
		}
	}

	index, err := bleve.OpenUsing(path, map[string]interface{}{"read_only": true})
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) || errors.Is(err, bleve.ErrorIndexMetaMissing) {
			return nil, search.ErrNotIndexed
		}
		return nil, fmt.Errorf("open index: %w", err)
	}

	return newSearcher(index, database, language, builtAt(index, path)), nil
}

// swapPending reports whether a retired index of the language is waiting in
// staging, meaning a swap is between its two renames.
func (e *Engine) swapPending(database, language string) bool {
	matches, err := filepath.Glob(filepath.Join(e.stagingRoot(database), language+"-*"+retiredSuffix))
	return err == nil && len(matches) > 0
}

// retiredSuffix marks a live index moved aside by swap.
const retiredSuffix = ".old"

// swap moves a committed staging directory over the live index. Searchers in
// other processes may find no live index between the two renames.
func (e *Engine) swap(database, stagePath, livePath string) error {
	e.swapMu.Lock()
	defer e.swapMu.Unlock()

	var old string
	if dirExists(livePath) {
		old = filepath.Join(e.stagingRoot(database), filepath.Base(livePath)+"-"+uuid.NewString()+retiredSuffix)
		if err := os.Rename(livePath, old); err != nil {
			return fmt.Errorf("retire live index: %w", err)
		}
	}
	if err := os.Rename(stagePath, livePath); err != nil {
		if old != "" {
			_ = os.Rename(old, livePath)
		}
		return fmt.Errorf("publish index: %w", err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			e.logger.Warn("failed to remove retired index", "path", old, "error", err)
		}
	}
	return nil
}

// =============================================================================
// Build Time
// =============================================================================

// builtAtKey is the internal key holding the commit time of an index.
var builtAtKey = []byte("pxsearch_built_at")

// builtAt reads the commit time of an index, falling back to the directory mtime.
func builtAt(index bleve.Index, path string) time.Time {
	if raw, err := index.GetInternal(builtAtKey); err == nil && len(raw) > 0 {
		if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			return t
		}
	}
	if info, err := os.Stat(path); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

// =============================================================================
// Filesystem Helpers
// =============================================================================

func validateNames(database, language string) error {
	for _, name := range []string{database, language} {
		if name == "" || name == "." || name == ".." || filepath.Base(name) != name || name[0] == '.' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// copyDir copies a directory tree of regular files.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
