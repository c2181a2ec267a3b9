// Package object stores closed event stores and checkpoints as keyed blobs,
// either on the local filesystem or in an S3 bucket.
package object

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Store is a flat key/value blob store. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Scheme() string
}

// Info describes a stored object.
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Config selects and configures a Store.
type Config struct {
	// Type is "local" or "s3".
	Type string `yaml:"type" json:"type"`

	// Root is the directory of a local store.
	Root string `yaml:"root" json:"root"`

	S3 S3Config `yaml:"s3" json:"s3"`
}

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "local":
		return NewLocalStorage(cfg.Root)
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, errors.Newf(errors.CodeProcess, "unknown object store type %q", cfg.Type)
	}
}

// Archive uploads every table file of a closed event store directory under
// prefix/<store name>/ and returns the keys written.
func Archive(ctx context.Context, store Store, dir, prefix string, concurrency int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.FileError(dir, err, "cannot read store directory")
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	base := path.Join(prefix, filepath.Base(filepath.Clean(dir)))
	var keys []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		key := path.Join(base, name)
		keys = append(keys, key)
		g.Go(func() error {
			return upload(gctx, store, filepath.Join(dir, name), key)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return keys, nil
}

func upload(ctx context.Context, store Store, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.FileError(file, err, "cannot open for upload")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.FileError(file, err, "cannot stat for upload")
	}
	if err := store.Put(ctx, key, f, st.Size()); err != nil {
		return fmt.Errorf("upload %s to %s://%s: %w", file, store.Scheme(), key, err)
	}
	return nil
}
