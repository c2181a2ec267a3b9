// Package process runs a sequence of producers and analyzers over events.
//
// Without input files a Process generates max_events events into a single
// output file. With input files it loops over their entries, optionally
// cloning each input (or all of them) into output files filtered by the keep
// rules. Every file it opens is closed on every exit path.
package process

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/eventfile"
	"github.com/eventflow/eventflow/pkg/histogram"
	"github.com/eventflow/eventflow/pkg/hooks"
	"github.com/eventflow/eventflow/pkg/storage/object"
	"github.com/eventflow/eventflow/pkg/storage/table"
	"github.com/eventflow/eventflow/pkg/telemetry"
)

// ProcessorConfig names one processor of the sequence.
type ProcessorConfig struct {
	Class  string         `yaml:"class" json:"class"`
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Config describes what a Process reads, writes and runs.
type Config struct {
	PassName    string   `yaml:"pass_name" json:"pass_name"`
	InputFiles  []string `yaml:"input_files" json:"input_files"`
	OutputFiles []string `yaml:"output_files" json:"output_files"`

	// Keep holds ordered keep/drop rules for cloned outputs.
	Keep []string `yaml:"keep" json:"keep"`

	// MaxEvents limits the events processed; negative means no limit.
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// MaxTries is how often generation of one event may be aborted before
	// the event number is given up.
	MaxTries int `yaml:"max_tries" json:"max_tries"`

	// Run is the run number used when generating events.
	Run int `yaml:"run" json:"run"`

	// LogFrequency logs every n-th event; zero or negative disables it.
	LogFrequency int `yaml:"log_frequency" json:"log_frequency"`

	Compression string `yaml:"compression" json:"compression"`
	BatchSize   int    `yaml:"batch_size" json:"batch_size"`

	// SkipCorrupted drops events whose processors fail with a non-fatal
	// error instead of stopping the run.
	SkipCorrupted bool `yaml:"skip_corrupted" json:"skip_corrupted"`

	// HistogramFile receives the histograms of the processors when the run
	// ends. Empty keeps them in memory only.
	HistogramFile string `yaml:"histogram_file" json:"histogram_file"`

	Sequence []ProcessorConfig `yaml:"sequence" json:"sequence"`
}

// DefaultConfig returns the settings used when a field is not configured.
func DefaultConfig() Config {
	return Config{
		PassName:     "",
		MaxEvents:    -1,
		MaxTries:     1,
		Run:          0,
		LogFrequency: -1,
		Compression:  string(table.CompressionSnappy),
		BatchSize:    table.DefaultWriterConfig().BatchSize,
	}
}

// Validate checks the parts of the configuration that do not need files.
func (c Config) Validate() error {
	if !model.ValidName(c.PassName) {
		return errors.IllegalName(c.PassName, model.Separator)
	}
	if len(c.InputFiles) == 0 {
		if c.MaxEvents <= 0 {
			return errors.New(errors.CodeProcess, "no input files given and no positive event limit to generate")
		}
		if len(c.OutputFiles) == 0 {
			return errors.New(errors.CodeProcess, "no input files or output files were given")
		}
	}
	if len(c.OutputFiles) > 1 && len(c.OutputFiles) != len(c.InputFiles) {
		return errors.Newf(errors.CodeProcess,
			"unable to pair %d output files with %d input files", len(c.OutputFiles), len(c.InputFiles))
	}
	if _, err := table.ParseCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithHooks sets the lifecycle hooks.
func WithHooks(h *hooks.HookManager) Option {
	return func(p *Process) {
		if h != nil {
			p.hooks = h
		}
	}
}

// WithTracer sets the tracer used for run, file and event spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Process) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithProgress reports event counts to tracker.
func WithProgress(tracker *hooks.ProgressTracker) Option {
	return func(p *Process) { p.progress = tracker }
}

// WithCheckpoints saves run progress every n events.
func WithCheckpoints(m *checkpoint.Manager, every int) Option {
	return func(p *Process) {
		p.checkpoints = m
		p.checkpointEvery = every
	}
}

// WithArchive uploads every closed output store under prefix.
func WithArchive(store object.Store, prefix string) Option {
	return func(p *Process) {
		p.archive = store
		p.archivePrefix = prefix
	}
}

// Process runs one sequence over its files.
type Process struct {
	cfg      Config
	sequence []Processor

	logger   *slog.Logger
	hooks    *hooks.HookManager
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	progress *hooks.ProgressTracker

	histograms *histogram.Pool

	checkpoints     *checkpoint.Manager
	checkpointEvery int
	cp              *checkpoint.Checkpoint

	archive       object.Store
	archivePrefix string
	archived      []string

	fileOpts  []eventfile.Option
	runHeader *model.RunHeader
	events    int
	input     int
	opened    map[*eventfile.EventFile]time.Time
}

// New validates cfg and builds a Process over sequence.
func New(cfg Config, sequence []Processor, opts ...Option) (*Process, error) {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sequence) == 0 {
		return nil, errors.New(errors.CodeProcess, "no processors in the sequence")
	}

	p := &Process{
		cfg:      cfg,
		sequence: sequence,
		logger:   slog.Default(),
		hooks:    hooks.NewHookManager(),
		tracer:   telemetry.GlobalTracer(),
		metrics:  telemetry.NewMetrics(),
		opened:   make(map[*eventfile.EventFile]time.Time),

		histograms: histogram.NewPool(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = telemetry.EnrichLogger(p.logger, cfg.PassName)

	compression, _ := table.ParseCompression(cfg.Compression)
	p.fileOpts = []eventfile.Option{
		eventfile.WithCompression(compression),
		eventfile.WithBatchSize(cfg.BatchSize),
		eventfile.WithLogger(p.logger),
	}
	return p, nil
}

// Config returns the configuration of the process.
func (p *Process) Config() Config { return p.cfg }

// Metrics returns the metrics collector.
func (p *Process) Metrics() *telemetry.Metrics { return p.metrics }

// Histograms returns the histograms of the last run.
func (p *Process) Histograms() *histogram.Pool { return p.histograms }

// RunHeader returns the header of the current run, nil before the first.
func (p *Process) RunHeader() *model.RunHeader { return p.runHeader }

// EventsProcessed returns the number of events counted against the limit.
func (p *Process) EventsProcessed() int { return p.events }

// Archived returns the object keys uploaded by the archive.
func (p *Process) Archived() []string { return p.archived }

// Checkpoint returns the checkpoint of the last run, if checkpoints are on.
func (p *Process) Checkpoint() *checkpoint.Checkpoint { return p.cp }
