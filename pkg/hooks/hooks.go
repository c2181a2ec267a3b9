// Package hooks lets callers inject logic at fixed points of a processing
// run: when a file is opened or closed, when a new run starts and when an
// error is raised.
package hooks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eventflow/eventflow/internal/model"
)

// HookManager manages all registered hooks.
type HookManager struct {
	mu sync.RWMutex

	fileOpenHooks  []FileOpenHook
	newRunHooks    []NewRunHook
	fileCloseHooks []FileCloseHook
	errorHooks     []ErrorHook
}

// NewHookManager creates a new hook manager.
func NewHookManager() *HookManager {
	return &HookManager{}
}

// FileOpenHook is called after an event file is opened and before its first
// entry. Hooks may add store metadata for output files.
type FileOpenHook func(ctx context.Context, info *FileInfo) error

// FileInfo describes an opened event file.
type FileInfo struct {
	Path     string
	Mode     string // read, write or clone
	Parent   string
	Entries  int64
	Pass     string
	Metadata map[string]string // Writable for output files
}

// NewRunHook is called when the events start belonging to a new run.
type NewRunHook func(ctx context.Context, run *model.RunHeader) error

// FileCloseHook is called after an event file is closed.
// Use cases: logging, archiving, catalog registration.
type FileCloseHook func(ctx context.Context, result *FileResult) error

// FileResult is the outcome of a closed file.
type FileResult struct {
	Path     string
	Mode     string
	Entries  int64
	Runs     int
	Duration time.Duration
}

// ErrorHook is called when an error occurs. It may replace the error or
// return nil to mark it handled.
type ErrorHook func(ctx context.Context, err error, phase string) error

// RegisterFileOpen adds a file-open hook.
func (m *HookManager) RegisterFileOpen(hook FileOpenHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileOpenHooks = append(m.fileOpenHooks, hook)
}

// RegisterNewRun adds a new-run hook.
func (m *HookManager) RegisterNewRun(hook NewRunHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newRunHooks = append(m.newRunHooks, hook)
}

// RegisterFileClose adds a file-close hook.
func (m *HookManager) RegisterFileClose(hook FileCloseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileCloseHooks = append(m.fileCloseHooks, hook)
}

// RegisterError adds an error hook.
func (m *HookManager) RegisterError(hook ErrorHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHooks = append(m.errorHooks, hook)
}

// RunFileOpen executes all file-open hooks.
func (m *HookManager) RunFileOpen(ctx context.Context, info *FileInfo) error {
	m.mu.RLock()
	hooks := m.fileOpenHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// RunNewRun executes all new-run hooks.
func (m *HookManager) RunNewRun(ctx context.Context, run *model.RunHeader) error {
	m.mu.RLock()
	hooks := m.newRunHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// RunFileClose executes all file-close hooks.
func (m *HookManager) RunFileClose(ctx context.Context, result *FileResult) error {
	m.mu.RLock()
	hooks := m.fileCloseHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// RunError executes all error hooks.
func (m *HookManager) RunError(ctx context.Context, err error, phase string) error {
	m.mu.RLock()
	hooks := m.errorHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		err = hook(ctx, err, phase)
		if err == nil {
			return nil
		}
	}
	return err
}

// Clear removes all registered hooks.
func (m *HookManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileOpenHooks = nil
	m.newRunHooks = nil
	m.fileCloseHooks = nil
	m.errorHooks = nil
}

// --- Built-in hooks ---

// MetadataHook adds fixed metadata to every output file.
func MetadataHook(metadata map[string]string) FileOpenHook {
	return func(ctx context.Context, info *FileInfo) error {
		if info.Mode == "read" {
			return nil
		}
		if info.Metadata == nil {
			info.Metadata = make(map[string]string)
		}
		for k, v := range metadata {
			info.Metadata[k] = v
		}
		return nil
	}
}

// LoggingHook logs closed files.
func LoggingHook(logger *slog.Logger) FileCloseHook {
	return func(ctx context.Context, result *FileResult) error {
		if logger == nil {
			return nil
		}
		logger.InfoContext(ctx, "file closed",
			slog.String("path", result.Path),
			slog.String("mode", result.Mode),
			slog.Int64("entries", result.Entries),
			slog.Int("runs", result.Runs),
			slog.Duration("duration", result.Duration))
		return nil
	}
}

// RunLoggingHook logs every new run.
func RunLoggingHook(logger *slog.Logger) NewRunHook {
	return func(ctx context.Context, run *model.RunHeader) error {
		if logger == nil {
			return nil
		}
		logger.InfoContext(ctx, "new run",
			slog.Int("run", run.RunNumber),
			slog.String("detector", run.DetectorName))
		return nil
	}
}

// --- Progress tracking ---

// Progress contains progress information.
type Progress struct {
	EventsTried   int64
	EventsStored  int64
	EventsAborted int64
	FilesRead     int
	FilesWritten  int
	Errors        int64
	StartTime     int64 // Unix nano
	CurrentFile   string
	CurrentRun    int
}

// ProgressHook is called periodically with progress updates.
type ProgressHook func(progress Progress)

// ProgressTracker tracks and reports progress.
type ProgressTracker struct {
	mu       sync.Mutex
	progress Progress
	hook     ProgressHook
	interval int64 // Report every N events
	counter  int64
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(interval int64, hook ProgressHook) *ProgressTracker {
	return &ProgressTracker{
		interval: interval,
		hook:     hook,
		progress: Progress{StartTime: time.Now().UnixNano()},
	}
}

// AddEvent counts one finished event and optionally reports progress.
func (t *ProgressTracker) AddEvent(stored bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.EventsTried++
	if stored {
		t.progress.EventsStored++
	} else {
		t.progress.EventsAborted++
	}
	t.counter++

	if t.interval > 0 && t.counter >= t.interval && t.hook != nil {
		t.hook(t.progress)
		t.counter = 0
	}
}

// AddError counts one error.
func (t *ProgressTracker) AddError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Errors++
}

// FileDone counts a finished input or output file.
func (t *ProgressTracker) FileDone(output bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if output {
		t.progress.FilesWritten++
	} else {
		t.progress.FilesRead++
	}
}

// SetCurrentFile sets the current file being processed.
func (t *ProgressTracker) SetCurrentFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.CurrentFile = path
}

// SetCurrentRun sets the run being processed.
func (t *ProgressTracker) SetCurrentRun(run int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.CurrentRun = run
}

// GetProgress returns a copy of the current progress.
func (t *ProgressTracker) GetProgress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}
