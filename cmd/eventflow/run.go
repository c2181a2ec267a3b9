package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/config"
	"github.com/eventflow/eventflow/pkg/hooks"
	"github.com/eventflow/eventflow/pkg/inspect"
	"github.com/eventflow/eventflow/pkg/process"
	"github.com/eventflow/eventflow/pkg/registry"
	"github.com/eventflow/eventflow/pkg/storage/object"
	"github.com/eventflow/eventflow/pkg/telemetry"
	"github.com/eventflow/eventflow/pkg/tui"
)

// Run flags
var (
	passName      string
	inputFiles    []string
	outputFiles   []string
	keepRules     []string
	maxEvents     int
	runNumber     int
	compression   string
	skipCorrupted bool
	metadataFlags []string
	noProgress    bool
	metricsJSON   bool
	archiveOutput bool
	histFile      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a processor sequence",
	Long: `Run the processor sequence of the configuration.

Without input files, max-events events are generated into one output store.
With input files, their entries are processed and optionally copied into
output stores, keeping the branches selected by the keep rules.

Flags override the process section of the configuration.

Examples:
  eventflow run -c sim.yaml
  eventflow run -c reco.yaml -i sim.store -o reco.store --keep "drop .*_sim"`,
	RunE: runProcess,
}

func init() {
	runCmd.Flags().StringVarP(&passName, "pass", "p", "", "Pass name added to every product")
	runCmd.Flags().StringSliceVarP(&inputFiles, "input", "i", nil, "Input stores")
	runCmd.Flags().StringSliceVarP(&outputFiles, "output", "o", nil, "Output stores")
	runCmd.Flags().StringArrayVar(&keepRules, "keep", nil, "Keep/drop rule for cloned outputs (e.g. \"drop .*_sim\")")
	runCmd.Flags().IntVarP(&maxEvents, "max-events", "n", -1, "Maximum number of events")
	runCmd.Flags().IntVar(&runNumber, "run", 0, "Run number when generating")
	runCmd.Flags().StringVar(&compression, "compression", "snappy", "Parquet compression (none, snappy, gzip, zstd, lz4)")
	runCmd.Flags().BoolVar(&skipCorrupted, "skip-corrupted", false, "Skip events whose processors fail")
	runCmd.Flags().StringArrayVar(&metadataFlags, "metadata", nil, "Key-value metadata for output stores (format: key=value)")
	runCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	runCmd.Flags().BoolVar(&metricsJSON, "metrics-json", false, "Print the metrics summary as JSON")
	runCmd.Flags().BoolVar(&archiveOutput, "archive", false, "Upload closed outputs to the archive store")
	runCmd.Flags().StringVar(&histFile, "histograms", "", "Write the processor histograms to this Parquet file")
}

// applyRunFlags copies the flags that were set onto the process section.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	pc := &cfg.Process
	if flags.Changed("pass") {
		pc.PassName = passName
	}
	if flags.Changed("input") {
		pc.InputFiles = inputFiles
	}
	if flags.Changed("output") {
		pc.OutputFiles = outputFiles
	}
	if flags.Changed("keep") {
		pc.Keep = append(pc.Keep, keepRules...)
	}
	if flags.Changed("max-events") {
		pc.MaxEvents = maxEvents
	}
	if flags.Changed("run") {
		pc.Run = runNumber
	}
	if flags.Changed("compression") {
		pc.Compression = compression
	}
	if flags.Changed("skip-corrupted") {
		pc.SkipCorrupted = skipCorrupted
	}
	if flags.Changed("histograms") {
		pc.HistogramFile = histFile
	}
	if archiveOutput {
		cfg.Archive.Enabled = true
	}
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := cfgManager.Get()
	applyRunFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfgManager.EnsureDirs(); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		otlp := cfg.Telemetry.OTLP()
		otlp.ServiceVersion = version
		shutdown, err := telemetry.InitOTLP(ctx, otlp)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	sequence, err := registry.Build(cfg.Process.Sequence)
	if err != nil {
		return err
	}

	hm := hooks.NewHookManager()
	if md := parseMetadata(metadataFlags); len(md) > 0 {
		hm.RegisterFileOpen(hooks.MetadataHook(md))
	}
	hm.RegisterNewRun(hooks.RunLoggingHook(logger))
	hm.RegisterFileClose(hooks.LoggingHook(logger))

	opts := []process.Option{
		process.WithLogger(logger),
		process.WithHooks(hm),
	}

	var onProgress hooks.ProgressHook
	if !noProgress && !metricsJSON {
		bar := tui.ShowProgress(os.Stderr, progressTotal(ctx, cfg.Process), "processing")
		defer bar.Finish()
		onProgress = tui.ProgressHook(bar)
	}
	tracker := hooks.NewProgressTracker(100, onProgress)
	opts = append(opts, process.WithProgress(tracker))

	backend, err := checkpoint.Open(ctx, cfg.Checkpoint.Config)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint backend: %w", err)
	}
	if backend != nil {
		defer backend.Close()
		mgr := checkpoint.NewManager(backend, logger)
		opts = append(opts, process.WithCheckpoints(mgr, cfg.Checkpoint.IntervalEvents))
	}

	if cfg.Archive.Enabled {
		store, err := object.Open(ctx, cfg.Archive.Config)
		if err != nil {
			return fmt.Errorf("failed to open archive store: %w", err)
		}
		opts = append(opts, process.WithArchive(store, cfg.Archive.Prefix))
	}

	p, err := process.New(cfg.Process, sequence, opts...)
	if err != nil {
		return err
	}

	start := time.Now()
	runErr := p.Run(ctx)
	elapsed := time.Since(start)

	if metricsJSON {
		data, err := p.Metrics().Summary().ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return runErr
	}

	report := &tui.RunReport{
		Pass:       cfg.Process.PassName,
		Progress:   tracker.GetProgress(),
		Duration:   elapsed,
		Archived:   p.Archived(),
		Histograms: p.Histograms().Summaries(),
		Err:        runErr,
	}
	if cp := p.Checkpoint(); cp != nil {
		report.CheckpointID = cp.ID
	}
	if runErr == nil {
		report.OutputBytes = outputBytes(ctx, cfg.Process.OutputFiles)
	}
	tui.PrintRunReport(os.Stdout, report)
	return runErr
}

// progressTotal is the bar length: the event limit, or the entries of the
// inputs when there is none. -1 shows a spinner.
func progressTotal(ctx context.Context, pc process.Config) int64 {
	if pc.MaxEvents > 0 {
		return int64(pc.MaxEvents)
	}
	var total int64
	for _, path := range pc.InputFiles {
		s, err := inspect.Summarize(ctx, path)
		if err != nil {
			return -1
		}
		total += s.Entries
	}
	if total == 0 {
		return -1
	}
	return total
}

func outputBytes(ctx context.Context, paths []string) int64 {
	var total int64
	for _, path := range paths {
		s, err := inspect.Summarize(ctx, path)
		if err != nil {
			logger.Debug("cannot size output", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		total += s.Bytes
	}
	return total
}
