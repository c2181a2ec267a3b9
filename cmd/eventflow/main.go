// EventFlow - event processing framework for detector readout data.
// Runs producer/analyzer sequences over Parquet event stores.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eventflow/eventflow/pkg/config"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
	verbose    bool
)

// Loaded by the root command before any subcommand runs.
var (
	cfgManager *config.Manager
	logger     *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if verbose {
			printStack(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// printStack writes where the outermost framework error was raised.
func printStack(w io.Writer, err error) {
	var e *errors.Error
	if stderrors.As(err, &e) && len(e.StackTrace) > 0 {
		fmt.Fprintf(w, "%s error raised\n%s", e.Code, e.FormatStack())
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventflow",
	Short: "Event processing for detector readout data",
	Long: `EventFlow runs sequences of producers and analyzers over event stores.

An event store is a directory holding two Parquet tables: one row per event
with one column per stored product, and one row per run header. Stores are
generated from scratch or derived from other stores with keep/drop rules.

Examples:
  eventflow run --config reco.yaml
  eventflow run --pass sim --output sim.store --max-events 1000
  eventflow inspect sim.store --stats
  eventflow query sim.store "SELECT count(*) FROM events"`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfgManager = config.NewManager()
		if err := cfgManager.Load(configFile); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		cfg := cfgManager.Get()
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		logger = telemetry.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		slog.SetDefault(logger)
		if paths := cfgManager.GetPaths(); len(paths) > 0 {
			logger.Debug("loaded configuration", slog.String("paths", strings.Join(paths, ",")))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(digiCmd)
	rootCmd.AddCommand(processorsCmd)
	rootCmd.AddCommand(configCmd)
}

// parseMetadata parses key=value flags. Entries without '=' are ignored.
func parseMetadata(flags []string) map[string]string {
	metadata := make(map[string]string)
	for _, flag := range flags {
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		}
	}
	return metadata
}
