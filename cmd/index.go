package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/pxsearch/core/search"
	"github.com/adalundhe/pxsearch/core/search/indexer"
	"github.com/adalundhe/pxsearch/core/search/watcher"
)

// =============================================================================
// Index Command Flags
// =============================================================================

var (
	indexLanguages []string
	indexTables    []string
	indexSince     string
	indexJSON      bool
)

// =============================================================================
// Index Command
// =============================================================================

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build search indexes",
	Long: `Build the search indexes of PX and CNMM databases.

Examples:
  pxsearch index create                       # every configured database
  pxsearch index create ssd --lang en,sv
  pxsearch index update STAT --lang en --table 'BE0101A=BE/BE0101'
  pxsearch index update ssd                   # tables changed since the last build`,
}

var indexCreateCmd = &cobra.Command{
	Use:   "create [database...]",
	Short: "Rebuild indexes from the catalog",
	RunE:  runIndexCreate,
}

var indexUpdateCmd = &cobra.Command{
	Use:   "update <database>",
	Short: "Rewrite individual tables in an index",
	Long: `Rewrite individual tables in an existing index.

Each --table is "<table id>=<menu path>", the path being the folder chain
the table is filed under, separated by '/'. Tables that do not resolve in the
catalog are skipped.

Without --table the catalog lists the tables changed since --since, or since
the last build recorded in the database's database.config.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndexUpdate,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexCreateCmd)
	indexCmd.AddCommand(indexUpdateCmd)

	indexCmd.PersistentFlags().StringSliceVarP(&indexLanguages, "lang", "l", nil, "Languages to build (default: configured languages)")
	indexCmd.PersistentFlags().BoolVar(&indexJSON, "json", false, "Output as JSON")
	indexUpdateCmd.Flags().StringArrayVarP(&indexTables, "table", "t", nil, "Table to rewrite as id=path (repeatable)")
	indexUpdateCmd.Flags().StringVar(&indexSince, "since", "", `Rewrite tables changed after this time (RFC 3339 or "yyyyMMdd HH:mm")`)
}

// indexRunOutput is the JSON output of one build.
type indexRunOutput struct {
	Database string        `json:"database"`
	Language string        `json:"language"`
	Built    bool          `json:"built"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// progressRecorder keeps the last progress report of the running build.
type progressRecorder struct {
	last indexer.Progress
}

func (p *progressRecorder) record(pr indexer.Progress) {
	p.last = pr
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// Create / Update
// =============================================================================

func runIndexCreate(cmd *cobra.Command, args []string) error {
	return runBuilds(cmd, args, func(ctx context.Context, a *app, database, language string) (bool, error) {
		return a.coordinator.CreateIndex(ctx, database, language)
	})
}

func runIndexUpdate(cmd *cobra.Command, args []string) error {
	if len(indexTables) > 0 && indexSince != "" {
		return fmt.Errorf("--table and --since cannot be combined")
	}
	updates, err := parseTableUpdates(indexTables)
	if err != nil {
		return err
	}
	since, err := parseSince(indexSince)
	if err != nil {
		return err
	}
	return runBuilds(cmd, args, func(ctx context.Context, a *app, database, language string) (bool, error) {
		tables := updates
		if len(tables) == 0 {
			changed, err := a.changedTables(ctx, database, language, since)
			if err != nil {
				return false, err
			}
			tables = changed
		}
		return a.coordinator.UpdateIndex(ctx, database, language, tables)
	})
}

type buildFunc func(ctx context.Context, a *app, database, language string) (bool, error)

func runBuilds(cmd *cobra.Command, args []string, build buildFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	progress := &progressRecorder{}
	a, err := newApp(cfg, appOptions{progress: progress.record})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	databases := a.databases(args)
	if len(databases) == 0 {
		return fmt.Errorf("no database given and none configured")
	}

	var outputs []indexRunOutput
	failed := 0
	for _, database := range databases {
		for _, language := range a.languages(database, indexLanguages) {
			progress.last = indexer.Progress{}
			start := time.Now()
			built, err := build(ctx, a, database, language)

			out := indexRunOutput{
				Database: database,
				Language: language,
				Built:    built,
				Written:  progress.last.Written,
				Skipped:  progress.last.Skipped,
				Duration: time.Since(start),
			}
			if err != nil {
				out.Error = err.Error()
				failed++
			}
			outputs = append(outputs, out)
			if !indexJSON {
				printIndexRun(cmd.OutOrStdout(), out)
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	if indexJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(outputs); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d builds failed", failed, len(outputs))
	}
	return nil
}

func printIndexRun(w io.Writer, out indexRunOutput) {
	switch {
	case out.Error != "":
		fmt.Fprintf(w, "%s✗%s %s/%s: %s\n", colorRed, colorReset, out.Database, out.Language, out.Error)
	case !out.Built:
		fmt.Fprintf(w, "%s-%s %s/%s: no catalog root, nothing built\n", colorYellow, colorReset, out.Database, out.Language)
	default:
		fmt.Fprintf(w, "%s✓%s %s/%s: %d tables, %d skipped %s(%s)%s\n",
			colorGreen, colorReset, out.Database, out.Language, out.Written, out.Skipped,
			colorGray, out.Duration.Round(time.Millisecond), colorReset)
	}
}

// parseTableUpdates parses "id=path" flag values.
func parseTableUpdates(values []string) ([]search.TableUpdate, error) {
	updates := make([]search.TableUpdate, 0, len(values))
	for _, v := range values {
		id, path, ok := strings.Cut(v, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --table %q: want id=path", v)
		}
		updates = append(updates, search.TableUpdate{ID: id, Path: strings.TrimSpace(path)})
	}
	return updates, nil
}

// parseSince parses --since. The zero time means "since the last build".
func parseSince(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := watcher.ParsePXDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 or yyyyMMdd HH:mm", value)
	}
	return t, nil
}
