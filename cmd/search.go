package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/pxsearch/core/search"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SearchDefaultLimit is the default number of results.
	SearchDefaultLimit = 20

	// SearchTimeout bounds a single query.
	SearchTimeout = 30 * time.Second
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// =============================================================================
// Search Command Flags
// =============================================================================

var (
	searchLanguage string
	searchFilter   string
	searchOperator string
	searchLimit    int
	searchJSON     bool
)

// =============================================================================
// Search Command
// =============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <database> <query>",
	Short: "Search the index of a database",
	Long: `Search the table index of a database in one language.

Examples:
  pxsearch search ssd population
  pxsearch search ssd "population region" --operator AND
  pxsearch search STAT befolkning --lang sv --filter title,variables
  pxsearch search ssd income --json | jq '.results[].id'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&searchLanguage, "lang", "l", "en", "Index language")
	searchCmd.Flags().StringVarP(&searchFilter, "filter", "f", "", "Comma-separated fields to search (default: all)")
	searchCmd.Flags().StringVarP(&searchOperator, "operator", "o", "", "OR or AND (default: configured operator)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", SearchDefaultLimit, "Maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output results as JSON")
}

// searchOutput is the JSON output of a search.
type searchOutput struct {
	Database string          `json:"database"`
	Language string          `json:"language"`
	Query    string          `json:"query"`
	Status   string          `json:"status"`
	Results  []search.Result `json:"results"`
}

// =============================================================================
// Search Execution
// =============================================================================

func runSearch(cmd *cobra.Command, args []string) error {
	database := args[0]
	query := strings.Join(args[1:], " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if searchOperator != "" {
		op, ok := search.ParseOperator(searchOperator)
		if !ok {
			return fmt.Errorf("%w: %q", search.ErrInvalidOperator, searchOperator)
		}
		if err := a.coordinator.SetDefaultOperator(op); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), SearchTimeout)
	defer cancel()

	results, status, err := a.coordinator.Search(ctx, database, searchLanguage, query, searchFilter, searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	out := searchOutput{
		Database: database,
		Language: searchLanguage,
		Query:    query,
		Status:   status.String(),
		Results:  results,
	}
	if searchJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printSearchResults(cmd.OutOrStdout(), out, status)
	return nil
}

func printSearchResults(w io.Writer, out searchOutput, status search.Status) {
	if status == search.StatusNotIndexed {
		fmt.Fprintf(w, "%s%s/%s is not indexed.%s Run 'pxsearch index create %s --lang %s'.\n",
			colorYellow, out.Database, out.Language, colorReset, out.Database, out.Language)
		return
	}
	if len(out.Results) == 0 {
		fmt.Fprintf(w, "%sNo results for %q%s\n", colorGray, out.Query, colorReset)
		return
	}

	fmt.Fprintf(w, "%s%d results%s for %q\n\n", colorBold, len(out.Results), colorReset, out.Query)
	for i, r := range out.Results {
		fmt.Fprintf(w, "%s%3d.%s %s%s%s\n", colorGray, i+1, colorReset, colorBold, r.Title, colorReset)
		fmt.Fprintf(w, "     %s%s%s  %s", colorCyan, r.Path, colorReset, r.TableID)
		if r.Published != nil {
			fmt.Fprintf(w, "  %s%s%s", colorGray, r.Published.Format("2006-01-02"), colorReset)
		}
		fmt.Fprintf(w, "  %sscore %.3f%s\n", colorGreen, r.Score, colorReset)
	}
}
