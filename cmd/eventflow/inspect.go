package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/eventflow/eventflow/pkg/inspect"
	"github.com/eventflow/eventflow/pkg/tui"
)

// Inspect flags
var (
	withStats   bool
	jsonOutput  bool
	xlsxPath    string
	showRuns    bool
	concurrency int
	queryLimit  int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <store...>",
	Short: "Summarize event stores",
	Long: `Show the branches, runs and sizes of one or more event stores.

With --stats every branch is scanned with DuckDB for its non-null count and
average size. --xlsx writes the summaries to a spreadsheet.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

var queryCmd = &cobra.Command{
	Use:   "query <store> <sql>",
	Short: "Run SQL against an event store",
	Long: `Run a DuckDB query against a store. Its tables are available as the
views "events" and "runs"; product columns hold JSON.

Example:
  eventflow query sim.store "SELECT json_extract(CAST(EventHeader AS VARCHAR), '$.run') AS run, count(*) FROM events GROUP BY run"`,
	Args: cobra.ExactArgs(2),
	RunE: runQuery,
}

func init() {
	inspectCmd.Flags().BoolVar(&withStats, "stats", false, "Compute branch statistics with DuckDB")
	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output summaries as JSON")
	inspectCmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Write summaries to an Excel workbook")
	inspectCmd.Flags().BoolVar(&showRuns, "runs", false, "Count stored events per run from the event headers")
	inspectCmd.Flags().IntVarP(&concurrency, "workers", "w", 4, "Stores summarized in parallel")

	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum rows printed (0 for all)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	summaries, err := inspect.SummarizeAll(ctx, args, inspect.Options{
		Stats:       withStats,
		Concurrency: concurrency,
	})
	if err != nil {
		return err
	}

	if xlsxPath != "" {
		if err := inspect.ExportXLSX(xlsxPath, summaries); err != nil {
			return err
		}
		logger.Info("wrote workbook", slog.String("path", xlsxPath))
	}

	if jsonOutput {
		data, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	for _, s := range summaries {
		tui.PrintSummary(os.Stdout, s, withStats)
	}

	if !showRuns {
		return nil
	}
	eng, err := inspect.NewEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	for _, path := range args {
		counts, err := eng.EventsPerRun(ctx, path)
		if err != nil {
			return err
		}
		fmt.Printf("Events per run in %s:\n", path)
		for _, rc := range counts {
			fmt.Printf("  run %-8d %d\n", rc.Run, rc.Events)
		}
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	eng, err := inspect.NewEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.Query(cmd.Context(), args[0], args[1], queryLimit)
	if err != nil {
		return err
	}
	tui.PrintQuery(os.Stdout, res)
	return nil
}
