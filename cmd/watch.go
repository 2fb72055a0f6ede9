package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/pxsearch/core/config"
)

var (
	watchRebuildEvery time.Duration
	watchLanguages    []string
)

var watchCmd = &cobra.Command{
	Use:   "watch [database...]",
	Short: "Watch database.config files and keep indexes fresh",
	Long: `Run until interrupted, dropping cached index handles whenever another
process announces a rebuild in a database.config file.

With --rebuild-every the given (or every configured) databases are rebuilt
on that interval. SIGHUP reloads the configuration and applies the new
default operator.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchRebuildEvery, "rebuild-every", 0, "Rebuild interval (0 disables rebuilds)")
	watchCmd.Flags().StringSliceVarP(&watchLanguages, "lang", "l", nil, "Languages to rebuild (default: configured languages)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	m, err := loadManager()
	if err != nil {
		return err
	}
	cfg := m.Get()
	if !cfg.Watch {
		slog.Warn("watch disabled in configuration, only scheduled rebuilds run")
	}

	a, err := newApp(cfg, appOptions{watch: true})
	if err != nil {
		return err
	}
	defer a.Close()
	m.OnChange(a.applyConfig)

	ctx, cancel := signalContext()
	defer cancel()

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.coordinator.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
		slog.Info("watching", "base_directory", cfg.BaseDirectory, "handles_ttl", cfg.CacheTTL())
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		reloadOnSignal(ctx, m, hangup)
		return nil
	})

	if watchRebuildEvery > 0 {
		g.Go(func() error {
			return rebuildLoop(ctx, a, args)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "stopped")
	return nil
}

// rebuildLoop rebuilds on every tick until ctx ends. Failed builds are logged
// and retried on the next tick.
func rebuildLoop(ctx context.Context, a *app, args []string) error {
	ticker := time.NewTicker(watchRebuildEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, database := range a.databases(args) {
			for _, language := range a.languages(database, watchLanguages) {
				built, err := a.coordinator.CreateIndex(ctx, database, language)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					slog.Error("scheduled rebuild failed", "database", database, "language", language, "error", err)
					continue
				}
				slog.Info("scheduled rebuild", "database", database, "language", language, "built", built)
			}
		}
	}
}

// reloadOnSignal reloads the configuration on every signal until ctx ends. A
// failed reload keeps the running configuration.
func reloadOnSignal(ctx context.Context, m *config.Manager, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
		}
		if err := m.Reload(); err != nil {
			slog.Error("configuration reload failed", "error", err)
			continue
		}
		slog.Info("configuration reloaded")
	}
}
