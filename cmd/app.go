package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/catalog/cnmm"
	"github.com/adalundhe/pxsearch/core/catalog/pxfs"
	"github.com/adalundhe/pxsearch/core/config"
	"github.com/adalundhe/pxsearch/core/metadata"
	"github.com/adalundhe/pxsearch/core/metadata/px"
	"github.com/adalundhe/pxsearch/core/search"
	"github.com/adalundhe/pxsearch/core/search/bleve"
	"github.com/adalundhe/pxsearch/core/search/coordinator"
	"github.com/adalundhe/pxsearch/core/search/indexer"
	"github.com/adalundhe/pxsearch/core/search/watcher"
)

// app wires the configured catalogs, engine and coordinator.
type app struct {
	config      *config.Config
	coordinator *coordinator.Coordinator
	catalogs    *catalog.Mux
	closers     []io.Closer
	cleanup     []func()
}

type appOptions struct {
	watch    bool
	progress indexer.ProgressCallback
}

func newApp(cfg *config.Config, opts appOptions) (_ *app, err error) {
	logger := slog.Default()
	a := &app{config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var pxMeta catalog.MetadataProvider = px.NewProvider(px.ProviderConfig{
		BaseDirectory: cfg.BaseDirectory,
		Logger:        logger,
	})
	if cfg.MetadataCache.Enabled {
		cached, err := metadata.NewCachedProvider(pxMeta, metadata.CacheConfig{
			MaxCost: int64(cfg.MetadataCache.MaxCostMB) << 20,
			TTL:     cfg.MetadataCacheTTL(),
		})
		if err != nil {
			return nil, fmt.Errorf("metadata cache: %w", err)
		}
		a.cleanup = append(a.cleanup, cached.Close)
		pxMeta = cached
	}

	pxCatalog := pxfs.New(pxfs.Config{BaseDirectory: cfg.BaseDirectory, Metadata: pxMeta, Logger: logger})
	a.catalogs = catalog.NewMux(pxCatalog)

	for _, name := range cfg.DatabaseNames() {
		if cfg.DatabaseType(name) != catalog.TypeCNMM {
			continue
		}
		store, err := cnmm.Open(cnmm.Config{Path: cfg.Database(name).DSN, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("database %s: %w", name, err)
		}
		a.closers = append(a.closers, store)
		a.catalogs.Handle(name, store)
	}

	engine, err := bleve.NewEngine(bleve.EngineConfig{
		BaseDirectory: cfg.BaseDirectory,
		BatchSize:     cfg.BatchSize,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("search engine: %w", err)
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.BaseDirectory = cfg.BaseDirectory
	coordCfg.CacheTTL = cfg.CacheTTL()
	coordCfg.MaxHandles = cfg.MaxHandles
	coordCfg.DefaultOperator = cfg.Operator()
	coordCfg.SerializeBuilds = cfg.SerializeBuilds
	coordCfg.StampDatabaseConfig = cfg.StampDatabaseConfig
	coordCfg.Watch = opts.watch && cfg.Watch
	coordCfg.PollInterval = cfg.PollDuration()
	coordCfg.Logger = logger
	if d := cfg.DebounceDuration(); d > 0 {
		coordCfg.Debounce = d
	}

	a.coordinator, err = coordinator.New(coordCfg, coordinator.Dependencies{
		Engine:   engine,
		Resolver: a.catalogs,
		Metadata: a.catalogs,
		Progress: opts.progress,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// applyConfig applies the settings of a reloaded configuration that can change
// while running. Catalogs and the engine keep their startup settings.
func (a *app) applyConfig(cfg *config.Config) {
	if err := a.coordinator.SetDefaultOperator(cfg.Operator()); err != nil {
		slog.Warn("default operator not applied", "error", err)
		return
	}
	slog.Info("default operator applied", "operator", cfg.Operator())
}

// changedTables asks the catalog for the tables of a database changed after
// since, or after the last build stamped in database.config when since is zero.
func (a *app) changedTables(ctx context.Context, database, language string, since time.Time) ([]search.TableUpdate, error) {
	if since.IsZero() {
		path := filepath.Join(a.config.BaseDirectory, database, watcher.DatabaseConfigName)
		stamped, err := watcher.ReadIndexUpdated(path)
		if err != nil {
			return nil, fmt.Errorf("last build of %s unknown, use --since or --table: %w", database, err)
		}
		since = stamped
	}
	return a.catalogs.UpdatedTables(ctx, since, database, language)
}

// languages returns the languages of a database, or only explicit when given.
func (a *app) languages(database string, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	return a.config.Database(database).Languages
}

// databases returns the named databases, or every configured one.
func (a *app) databases(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return a.config.DatabaseNames()
}

func (a *app) Close() error {
	var errs []error
	if a.coordinator != nil {
		errs = append(errs, a.coordinator.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	for _, fn := range a.cleanup {
		fn()
	}
	return errors.Join(errs...)
}
