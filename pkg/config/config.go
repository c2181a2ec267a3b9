// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env < flags
package config

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/process"
	"github.com/eventflow/eventflow/pkg/storage/object"
	"github.com/eventflow/eventflow/pkg/telemetry"
)

// Config holds all eventflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Process    process.Config   `yaml:"process"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Endpoint      string            `yaml:"endpoint"`
	ServiceName   string            `yaml:"service_name"`
	Environment   string            `yaml:"environment"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Headers       map[string]string `yaml:"headers"`
}

// CheckpointConfig selects where run progress is recorded.
type CheckpointConfig struct {
	checkpoint.Config `yaml:",inline"`

	// IntervalEvents saves a checkpoint every n events; 0 saves only at
	// file boundaries.
	IntervalEvents int `yaml:"interval_events"`

	// MaxAge is how long completed checkpoints are kept by cleanup.
	MaxAge time.Duration `yaml:"max_age"`
}

// ArchiveConfig uploads closed output stores to an object store.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Prefix        string `yaml:"prefix"`
	Concurrency   int    `yaml:"concurrency"`
	object.Config `yaml:",inline"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	eventflowDir := filepath.Join(homeDir, ".eventflow")

	otlp := telemetry.DefaultOTLPConfig("eventflow")
	return &Config{
		Version: 1,
		Process: process.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			Endpoint:      otlp.Endpoint,
			ServiceName:   otlp.ServiceName,
			Environment:   otlp.Environment,
			Insecure:      otlp.InsecureTLS,
			SamplingRatio: otlp.SamplingRatio,
		},
		Checkpoint: CheckpointConfig{
			Config: checkpoint.Config{
				Backend: "local",
				Dir:     filepath.Join(eventflowDir, "checkpoints"),
				Redis:   checkpoint.DefaultRedisConfig("localhost:6379"),
			},
			IntervalEvents: 1000,
			MaxAge:         7 * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Prefix:      "stores",
			Concurrency: 4,
			Config: object.Config{
				Type: "local",
				Root: filepath.Join(eventflowDir, "archive"),
				S3:   object.DefaultS3Config("", "us-east-1"),
			},
		},
	}
}

// OTLP returns the exporter settings.
func (c TelemetryConfig) OTLP() telemetry.OTLPConfig {
	cfg := telemetry.DefaultOTLPConfig(c.ServiceName)
	cfg.Endpoint = c.Endpoint
	cfg.Environment = c.Environment
	cfg.InsecureTLS = c.Insecure
	cfg.SamplingRatio = c.SamplingRatio
	cfg.Headers = c.Headers
	return cfg
}

// Validate checks every section, including the process section.
func (c *Config) Validate() error {
	var errs errors.MultiError

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.Add(errors.Newf(errors.CodeProcess, "unknown log level '%s'", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs.Add(errors.Newf(errors.CodeProcess, "unknown log format '%s'", c.Logging.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs.Add(errors.New(errors.CodeProcess, "telemetry is enabled without an endpoint"))
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs.Add(errors.Newf(errors.CodeProcess, "sampling ratio %g outside [0, 1]", c.Telemetry.SamplingRatio))
	}

	switch strings.ToLower(c.Checkpoint.Backend) {
	case "", "none", "local", "redis", "object", "s3":
	default:
		errs.Add(errors.Newf(errors.CodeProcess, "unknown checkpoint backend '%s'", c.Checkpoint.Backend))
	}
	if c.Checkpoint.IntervalEvents < 0 {
		errs.Add(errors.Newf(errors.CodeProcess, "checkpoint interval must not be negative, got %d", c.Checkpoint.IntervalEvents))
	}

	if c.Archive.Enabled {
		switch strings.ToLower(c.Archive.Type) {
		case "", "local":
		case "s3":
			if c.Archive.S3.Bucket == "" {
				errs.Add(errors.New(errors.CodeProcess, "s3 archive needs a bucket"))
			}
		default:
			errs.Add(errors.Newf(errors.CodeProcess, "unknown archive type '%s'", c.Archive.Type))
		}
	}

	errs.Add(c.Process.Validate())
	return errs.Combined()
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order. An explicit
// file must exist; the standard locations are optional.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()
	m.paths = nil

	// Load from paths in order (later overrides earlier)
	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but report errors for existing files
			if !stderrors.Is(err, os.ErrNotExist) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}
	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	// Override with environment variables
	return m.loadEnv()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/eventflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".eventflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".eventflow.yaml"))
	}

	return paths
}

// loadFile decodes a config file over the current configuration: fields the
// file sets replace the earlier values, the others are kept.
func (m *Manager) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return err
		}
		return errors.FileError(path, err, "failed to open config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(m.config); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(err, errors.CodeProcess, "invalid config file").WithContext("path", path)
	}
	return nil
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() error {
	c := m.config

	if v := os.Getenv("EVENTFLOW_PASS"); v != "" {
		c.Process.PassName = v
	}
	if v := os.Getenv("EVENTFLOW_COMPRESSION"); v != "" {
		c.Process.Compression = v
	}
	if v := os.Getenv("EVENTFLOW_HISTOGRAM_FILE"); v != "" {
		c.Process.HistogramFile = v
	}
	if err := envInt("EVENTFLOW_MAX_EVENTS", &c.Process.MaxEvents); err != nil {
		return err
	}
	if err := envInt("EVENTFLOW_RUN", &c.Process.Run); err != nil {
		return err
	}

	if v := os.Getenv("EVENTFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EVENTFLOW_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// An endpoint in the environment turns export on.
	if v := os.Getenv("EVENTFLOW_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}

	if v := os.Getenv("EVENTFLOW_CHECKPOINT_BACKEND"); v != "" {
		c.Checkpoint.Backend = v
	}
	if v := os.Getenv("EVENTFLOW_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
	if v := os.Getenv("EVENTFLOW_REDIS_ADDR"); v != "" {
		c.Checkpoint.Redis.Address = v
	}

	if v := os.Getenv("EVENTFLOW_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Enabled = true
		c.Archive.Type = "s3"
		c.Archive.S3.Bucket = v
	}
	if v := os.Getenv("EVENTFLOW_ARCHIVE_DIR"); v != "" {
		c.Archive.Enabled = true
		c.Archive.Type = "local"
		c.Archive.Root = v
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, errors.CodeProcess, "%s must be an integer", key)
	}
	*dst = n
	return nil
}

// EnsureDirs creates the local directories the configuration points to.
func (m *Manager) EnsureDirs() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var dirs []string
	if strings.EqualFold(m.config.Checkpoint.Backend, "local") {
		dirs = append(dirs, m.config.Checkpoint.Dir)
	}
	if m.config.Archive.Enabled && (m.config.Archive.Type == "" || strings.EqualFold(m.config.Archive.Type, "local")) {
		dirs = append(dirs, m.config.Archive.Root)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.FileError(dir, err, "failed to create directory")
		}
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.FileError(path, err, "failed to create config directory")
	}
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return errors.Wrap(err, errors.CodeProcess, "failed to encode config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.FileError(path, err, "failed to write config file")
	}
	return nil
}
