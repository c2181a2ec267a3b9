// Package checkpoint records the progress of processing runs so that
// interrupted runs can be found and reported. Event stores are immutable once
// closed, so a checkpoint describes where a run stopped rather than a point
// to append from.
package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Checkpoint tracks the progress of one processing run.
type Checkpoint struct {
	ID     string   `json:"id"`
	Inputs []string `json:"inputs,omitempty"`
	Output string   `json:"output,omitempty"`
	Pass   string   `json:"pass"`

	// Progress
	InputIndex   int   `json:"input_index"`
	Entry        int64 `json:"entry"`
	Run          int   `json:"run"`
	EventsTried  int64 `json:"events_tried"`
	EventsStored int64 `json:"events_stored"`

	// State
	Phase       Phase      `json:"phase"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	mu sync.Mutex
}

// NewID returns a fresh checkpoint id.
func NewID() string {
	return uuid.New().String()
}

// Update records the position of the run.
func (c *Checkpoint) Update(inputIndex int, entry int64, run int, tried, stored int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.InputIndex = inputIndex
	c.Entry = entry
	c.Run = run
	c.EventsTried = tried
	c.EventsStored = stored
	c.UpdatedAt = time.Now()
}

// SetPhase updates the phase.
func (c *Checkpoint) SetPhase(phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPhase(phase)
}

func (c *Checkpoint) setPhase(phase Phase) {
	c.Phase = phase
	c.UpdatedAt = time.Now()
	if phase != PhaseRunning {
		now := c.UpdatedAt
		c.CompletedAt = &now
	}
}

// Fail marks the run failed with err.
func (c *Checkpoint) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.Error = err.Error()
	}
	c.setPhase(PhaseFailed)
}

// SetMetadata sets a metadata value.
func (c *Checkpoint) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}

// Incomplete reports whether the run never finished.
func (c *Checkpoint) Incomplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Phase != PhaseComplete
}

// HasInput reports whether path is one of the run's inputs.
func (c *Checkpoint) HasInput(path string) bool {
	for _, in := range c.Inputs {
		if in == path {
			return true
		}
	}
	return false
}

// Duration returns how long the run has been going.
func (c *Checkpoint) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CompletedAt != nil {
		return c.CompletedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// Marshal encodes the checkpoint under its lock.
func (c *Checkpoint) Marshal() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.MarshalIndent(c, "", "  ")
}

func unmarshal(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Manager creates and persists checkpoints through a Backend.
type Manager struct {
	backend Backend
	logger  *slog.Logger
}

// NewManager creates a checkpoint manager.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, logger: logger}
}

// Backend returns the configured backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// Create starts and saves a running checkpoint.
func (m *Manager) Create(ctx context.Context, inputs []string, output, pass string) (*Checkpoint, error) {
	now := time.Now()
	cp := &Checkpoint{
		ID:        NewID(),
		Inputs:    append([]string(nil), inputs...),
		Output:    output,
		Pass:      pass,
		Entry:     -1,
		Phase:     PhaseRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := m.backend.Save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Save persists cp.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	return m.backend.Save(ctx, cp)
}

// Complete marks cp complete and saves it.
func (m *Manager) Complete(ctx context.Context, cp *Checkpoint) error {
	cp.SetPhase(PhaseComplete)
	return m.backend.Save(ctx, cp)
}

// Fail marks cp failed and saves it.
func (m *Manager) Fail(ctx context.Context, cp *Checkpoint, err error) error {
	cp.Fail(err)
	return m.backend.Save(ctx, cp)
}

// Load loads a checkpoint by id.
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	return m.backend.Load(ctx, id)
}

// Find finds an incomplete checkpoint that read inputPath.
func (m *Manager) Find(ctx context.Context, inputPath string) (*Checkpoint, error) {
	return m.backend.FindByInput(ctx, inputPath)
}

// ListIncomplete returns every run that did not complete.
func (m *Manager) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	return m.backend.ListIncomplete(ctx)
}

// Delete removes a checkpoint.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.backend.Delete(ctx, id)
}

// Cleanup removes completed checkpoints older than maxAge.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := m.backend.List(ctx, "")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, cp := range all {
		if cp.Phase != PhaseComplete || cp.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.backend.Delete(ctx, cp.ID); err != nil {
			m.logger.Warn("checkpoint cleanup failed",
				slog.String("checkpoint_id", cp.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// StartAutoSave saves cp every interval until the returned stop function is
// called, which saves once more.
func (m *Manager) StartAutoSave(ctx context.Context, cp *Checkpoint, interval time.Duration) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	save := func() {
		if err := m.backend.Save(ctx, cp); err != nil {
			m.logger.Warn("checkpoint autosave failed",
				slog.String("checkpoint_id", cp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				save()
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				save()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}
