// Package indexer builds and refreshes the search index of one database and
// language from its catalog.
//
// A build moves through Idle, Opening, Writing and Committing and ends in
// Closed on success or Failed on an engine or provider fault. A full build whose
// catalog root cannot be resolved ends in Aborted before any writer is opened,
// so the live index is never touched.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/search"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNilEngine indicates a builder was configured without an engine.
var ErrNilEngine = errors.New("search engine cannot be nil")

// =============================================================================
// State
// =============================================================================

// State is the lifecycle position of one build.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateWriting
	StateCommitting
	StateClosed
	StateFailed
	StateAborted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateWriting:
		return "writing"
	case StateCommitting:
		return "committing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether a build in this state has finished.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed || s == StateAborted
}

// Outcome is the result of one build.
type Outcome struct {
	State    State
	Reason   string
	Written  int
	Skipped  int
	Duration time.Duration
}

// Succeeded reports whether the build committed.
func (o Outcome) Succeeded() bool {
	return o.State == StateClosed
}

// =============================================================================
// Collaborators
// =============================================================================

// Invalidator drops cached handles for an index after it was rebuilt.
type Invalidator interface {
	Invalidate(database, language string)
}

// InvalidatorFunc adapts a function to the Invalidator interface.
type InvalidatorFunc func(database, language string)

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(database, language string) {
	f(database, language)
}

// Progress is reported on every state transition.
type Progress struct {
	Database string
	Language string
	State    State
	Written  int
	Skipped  int
}

// ProgressCallback receives build progress. It is called on the build's goroutine.
type ProgressCallback func(p Progress)

// =============================================================================
// Builder
// =============================================================================

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Engine      search.Engine
	Resolver    catalog.Resolver
	Metadata    catalog.MetadataProvider
	Invalidator Invalidator
	Logger      *slog.Logger

	// MaxDepth limits catalog nesting. Default: catalog.DefaultMaxDepth.
	MaxDepth int

	Progress ProgressCallback
}

// Builder runs index builds. It holds no per-build state and is safe for
// concurrent use; serializing builds of the same index is the caller's job.
type Builder struct {
	engine      search.Engine
	walker      *catalog.Walker
	updates     *catalog.UpdateResolver
	invalidator Invalidator
	logger      *slog.Logger
	progress    ProgressCallback
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Engine == nil {
		return nil, ErrNilEngine
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	walkCfg := catalog.WalkerConfig{
		Resolver: cfg.Resolver,
		Metadata: cfg.Metadata,
		Logger:   cfg.Logger,
		MaxDepth: cfg.MaxDepth,
	}
	walker, err := catalog.NewWalker(walkCfg)
	if err != nil {
		return nil, err
	}
	updates, err := catalog.NewUpdateResolver(walkCfg)
	if err != nil {
		return nil, err
	}

	return &Builder{
		engine:      cfg.Engine,
		walker:      walker,
		updates:     updates,
		invalidator: cfg.Invalidator,
		logger:      cfg.Logger,
		progress:    cfg.Progress,
	}, nil
}

// Create rebuilds the index of a database and language from its whole catalog.
// A missing catalog root yields an Aborted outcome and a nil error.
func (b *Builder) Create(ctx context.Context, database, language string) (Outcome, error) {
	run := b.newBuild(database, language)

	root, err := b.walker.Root(ctx, database, language)
	if errors.Is(err, catalog.ErrRootNotFound) {
		return run.abort("catalog root not found"), nil
	}
	if err != nil {
		return run.fail("resolve root", err)
	}

	return run.execute(ctx, search.ModeCreate, func(ctx context.Context, w search.IndexWriter) error {
		for entry, err := range b.walker.WalkFrom(ctx, database, language, root, &run.stats) {
			if err != nil {
				return err
			}
			if err := w.AddDocument(ctx, search.DocumentFromEntry(entry)); err != nil {
				return err
			}
			run.written++
		}
		return nil
	})
}

// Update rewrites the index entries of the given tables on top of the
// existing index. Malformed or unresolvable updates are skipped.
func (b *Builder) Update(ctx context.Context, database, language string, updates []search.TableUpdate) (Outcome, error) {
	run := b.newBuild(database, language)

	return run.execute(ctx, search.ModeAppend, func(ctx context.Context, w search.IndexWriter) error {
		for entry, err := range b.updates.Resolve(ctx, database, language, updates, &run.stats) {
			if err != nil {
				return err
			}
			if err := w.UpdateDocument(ctx, search.DocumentFromEntry(entry)); err != nil {
				return err
			}
			run.written++
		}
		return nil
	})
}

func (b *Builder) invalidate(database, language string) {
	if b.invalidator != nil {
		b.invalidator.Invalidate(database, language)
	}
}

// =============================================================================
// Build Run
// =============================================================================

// build tracks one run through the state machine.
type build struct {
	builder  *Builder
	database string
	language string
	state    State
	stats    catalog.WalkStats
	written  int
	start    time.Time
}

func (b *Builder) newBuild(database, language string) *build {
	return &build{
		builder:  b,
		database: database,
		language: language,
		state:    StateIdle,
		start:    time.Now(),
	}
}

func (r *build) transition(s State) {
	r.state = s
	r.builder.logger.Debug("index build state",
		"database", r.database, "language", r.language, "state", s.String())

	if r.builder.progress != nil {
		r.builder.progress(Progress{
			Database: r.database,
			Language: r.language,
			State:    s,
			Written:  r.written,
			Skipped:  r.stats.Skipped,
		})
	}
}

func (r *build) outcome(reason string) Outcome {
	return Outcome{
		State:    r.state,
		Reason:   reason,
		Written:  r.written,
		Skipped:  r.stats.Skipped,
		Duration: time.Since(r.start),
	}
}

// writeFunc feeds documents to an open writer.
type writeFunc func(ctx context.Context, w search.IndexWriter) error

// execute opens a writer, runs write, commits and closes. Every path out of
// Opening, panics included, closes the writer; uncommitted changes are
// discarded by the engine. IndexWriter.Close is idempotent.
func (r *build) execute(ctx context.Context, mode search.WriteMode, write writeFunc) (Outcome, error) {
	r.transition(StateOpening)
	w, err := r.builder.engine.OpenWriter(ctx, r.database, r.language, mode)
	if err != nil {
		return r.fail("open writer", err)
	}
	defer r.closeWriter(w)

	r.transition(StateWriting)
	if err := write(ctx, w); err != nil {
		return r.fail("write documents", err)
	}

	r.transition(StateCommitting)
	if err := w.Commit(ctx); err != nil {
		return r.fail("commit index", err)
	}
	// Released before invalidation so new handles see the committed index.
	r.closeWriter(w)

	r.transition(StateClosed)
	r.builder.invalidate(r.database, r.language)

	out := r.outcome("")
	r.builder.logger.Info("index build completed",
		"database", r.database, "language", r.language, "mode", mode.String(),
		"written", out.Written, "skipped", out.Skipped, "duration", out.Duration)
	return out, nil
}

func (r *build) closeWriter(w search.IndexWriter) {
	if err := w.Close(); err != nil {
		r.builder.logger.Warn("index writer close failed",
			"database", r.database, "language", r.language, "error", err)
	}
}

// abort ends a build that never opened a writer.
func (r *build) abort(reason string) Outcome {
	r.transition(StateAborted)
	r.builder.logger.Warn("index build aborted",
		"database", r.database, "language", r.language, "reason", reason)
	return r.outcome(reason)
}

// fail ends a build on a fault. Cached handles are dropped since the on-disk
// state may have changed.
func (r *build) fail(step string, err error) (Outcome, error) {
	r.transition(StateFailed)
	r.builder.invalidate(r.database, r.language)
	r.builder.logger.Error("index build failed",
		"database", r.database, "language", r.language, "step", step, "error", err)
	return r.outcome(err.Error()), fmt.Errorf("%s %s/%s: %w", step, r.database, r.language, err)
}
