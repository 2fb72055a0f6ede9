// Package cmd provides the pxsearch command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/pxsearch/core/config"
)

var (
	configPath string
	baseDir    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pxsearch",
	Short: "pxsearch - full-text search indexes for PX databases",
	Long: `pxsearch builds and queries the per-database, per-language search
indexes of PX and CNMM statistical databases.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default ./"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Directory holding one directory per database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadManager builds the configuration manager for ./pxsearch.yaml and
// --config, with --base-dir applied over both, and loads it once.
func loadManager() (*config.Manager, error) {
	paths := []string{config.DefaultFileName}
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		paths = append(paths, configPath)
	}

	m := config.NewManager(paths...)
	if baseDir != "" {
		m.Override(func(cfg *config.Config) { cfg.BaseDirectory = baseDir })
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadConfig reads ./pxsearch.yaml, then --config, then the environment and
// finally --base-dir.
func loadConfig() (*config.Config, error) {
	m, err := loadManager()
	if err != nil {
		return nil, err
	}
	return m.Get(), nil
}
