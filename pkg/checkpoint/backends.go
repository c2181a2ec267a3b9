package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eventflow/eventflow/pkg/storage/object"
)

// Backend defines the interface for checkpoint storage backends.
type Backend interface {
	// Save persists a checkpoint to the backend.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves a checkpoint by ID. Missing checkpoints give os.ErrNotExist.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Delete removes a checkpoint.
	Delete(ctx context.Context, id string) error

	// List returns all checkpoints whose ID starts with prefix.
	List(ctx context.Context, prefix string) ([]*Checkpoint, error)

	// ListIncomplete returns all checkpoints that haven't completed.
	ListIncomplete(ctx context.Context) ([]*Checkpoint, error)

	// FindByInput finds an incomplete checkpoint for the given input path.
	FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error)

	// Name returns the backend name for logging/debugging.
	Name() string

	Close() error
}

// Config selects a checkpoint backend.
type Config struct {
	// Backend is "none", "local", "redis" or "object".
	Backend string `yaml:"backend" json:"backend"`

	// Dir holds local checkpoint files.
	Dir string `yaml:"dir" json:"dir"`

	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Object configures the object store used by the "object" backend.
	Object object.Config `yaml:"object" json:"object"`

	// Prefix is prepended to object keys.
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Open builds the backend described by cfg. A "none" backend gives a nil
// Backend and no error.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalBackend(cfg.Dir)
	case "redis":
		return NewRedisBackend(ctx, cfg.Redis)
	case "object", "s3":
		store, err := object.Open(ctx, cfg.Object)
		if err != nil {
			return nil, err
		}
		return NewObjectBackend(store, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func incomplete(all []*Checkpoint) []*Checkpoint {
	var out []*Checkpoint
	for _, cp := range all {
		if cp.Phase != PhaseComplete {
			out = append(out, cp)
		}
	}
	return out
}

// findByInput returns the most recent incomplete checkpoint reading path.
func findByInput(all []*Checkpoint, path string) (*Checkpoint, error) {
	var found *Checkpoint
	for _, cp := range incomplete(all) {
		if !cp.HasInput(path) {
			continue
		}
		if found == nil || cp.UpdatedAt.After(found.UpdatedAt) {
			found = cp
		}
	}
	if found == nil {
		return nil, os.ErrNotExist
	}
	return found, nil
}

func sortByStart(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].StartedAt.Before(cps[j].StartedAt)
	})
}

// --- Local ---

const localExt = ".checkpoint"

// LocalBackend stores one JSON file per checkpoint in a directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates a backend using local filesystem.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		dir = ".eventflow/checkpoints"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(id string) string {
	return filepath.Join(b.dir, id+localExt)
}

// Save writes to a temp file first, then renames.
func (b *LocalBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return err
	}

	path := b.path(cp.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Load retrieves a checkpoint from local filesystem.
func (b *LocalBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		return nil, err
	}
	return unmarshal(data)
}

// Delete removes a checkpoint file.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	return os.Remove(b.path(id))
}

// List returns all checkpoints with the given ID prefix. Unreadable files are
// skipped.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != localExt || !strings.HasPrefix(name, prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			continue
		}
		cp, err := unmarshal(data)
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	sortByStart(checkpoints)
	return checkpoints, nil
}

// ListIncomplete returns all incomplete checkpoints.
func (b *LocalBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	all, err := b.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return incomplete(all), nil
}

// FindByInput finds an incomplete checkpoint for the input path.
func (b *LocalBackend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	all, err := b.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return findByInput(all, inputPath)
}

// Name returns "local".
func (b *LocalBackend) Name() string {
	return "local"
}

// Close is a no-op.
func (b *LocalBackend) Close() error {
	return nil
}

// --- Object store ---

// ObjectBackend stores checkpoints as JSON objects in an object.Store, so
// they can live in the same bucket as archived event stores.
type ObjectBackend struct {
	store  object.Store
	prefix string
}

// NewObjectBackend creates a backend over store. Keys are prefix + id + ".json".
func NewObjectBackend(store object.Store, prefix string) *ObjectBackend {
	if prefix == "" {
		prefix = "checkpoints/"
	}
	return &ObjectBackend{store: store, prefix: prefix}
}

func (b *ObjectBackend) key(id string) string {
	return b.prefix + id + ".json"
}

// Save uploads a checkpoint.
func (b *ObjectBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return err
	}
	return b.store.Put(ctx, b.key(cp.ID), bytes.NewReader(data), int64(len(data)))
}

// Load downloads a checkpoint.
func (b *ObjectBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ok, err := b.store.Exists(ctx, b.key(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, os.ErrNotExist
	}

	rc, err := b.store.Get(ctx, b.key(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return unmarshal(data)
}

// Delete removes a checkpoint object.
func (b *ObjectBackend) Delete(ctx context.Context, id string) error {
	return b.store.Delete(ctx, b.key(id))
}

// List returns all checkpoints with the given ID prefix.
func (b *ObjectBackend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	infos, err := b.store.List(ctx, b.prefix+prefix)
	if err != nil {
		return nil, err
	}

	var checkpoints []*Checkpoint
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(info.Key, b.prefix), ".json")
		cp, err := b.Load(ctx, id)
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	sortByStart(checkpoints)
	return checkpoints, nil
}

// ListIncomplete returns all incomplete checkpoints.
func (b *ObjectBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	all, err := b.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return incomplete(all), nil
}

// FindByInput finds an incomplete checkpoint for the input path.
func (b *ObjectBackend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	all, err := b.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return findByInput(all, inputPath)
}

// Name returns the store scheme.
func (b *ObjectBackend) Name() string {
	return "object/" + b.store.Scheme()
}

// Close is a no-op.
func (b *ObjectBackend) Close() error {
	return nil
}
