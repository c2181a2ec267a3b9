package telemetry

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a slog logger writing text or JSON at the given level.
// Unknown levels mean info.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnrichLogger adds the pass to a logger.
func EnrichLogger(logger *slog.Logger, pass string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("pass", pass))
}

// LogProcessStart logs the start of a processing run.
func LogProcessStart(logger *slog.Logger, inputs, outputs, processors int) {
	if logger == nil {
		return
	}
	logger.Info("process starting",
		slog.Int("inputs", inputs),
		slog.Int("outputs", outputs),
		slog.Int("processors", processors),
	)
}

// LogProcessComplete logs a finished processing run.
func LogProcessComplete(logger *slog.Logger, elapsed time.Duration, s MetricsSummary) {
	if logger == nil {
		return
	}
	logger.Info("process completed",
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
		slog.Int64("events_tried", s.EventsTried),
		slog.Int64("events_stored", s.EventsStored),
		slog.Int64("events_aborted", s.EventsAborted),
		slog.Duration("p50", s.P50Latency),
	)
}

// LogProcessError logs a failed processing run.
func LogProcessError(logger *slog.Logger, err error, entry int64) {
	if logger == nil {
		return
	}
	logger.Error("process failed",
		slog.String("error", err.Error()),
		slog.Int64("entry", entry),
	)
}

// LogEvent logs the progress marker of one event.
func LogEvent(logger *slog.Logger, run, eventNumber int, entry int64) {
	if logger == nil {
		return
	}
	logger.Info("processing event",
		slog.Int("run", run),
		slog.Int("event", eventNumber),
		slog.Int64("entry", entry),
	)
}

// LogEventAborted logs an event that a processor aborted.
func LogEventAborted(logger *slog.Logger, run, eventNumber int, processor string) {
	if logger == nil {
		return
	}
	logger.Debug("event aborted",
		slog.Int("run", run),
		slog.Int("event", eventNumber),
		slog.String("processor", processor),
	)
}

// LogEventSkipped logs an event dropped after a non-fatal error.
func LogEventSkipped(logger *slog.Logger, entry int64, processor string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event skipped",
		slog.Int64("entry", entry),
		slog.String("processor", processor),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs a saved checkpoint.
func LogCheckpoint(logger *slog.Logger, id string, entry int64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("checkpoint_id", id),
		slog.Int64("entry", entry),
	)
}

// LogCheckpointError logs a checkpoint failure. Checkpoints never fail a run.
func LogCheckpointError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}
