package object

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStorage implements Store on the local filesystem.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &LocalStorage{root: absRoot}, nil
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Scheme returns "file".
func (s *LocalStorage) Scheme() string {
	return "file"
}

// Put writes data to a key. The file is written beside its final name and
// renamed so readers never see a partial object.
func (s *LocalStorage) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	fullPath := s.fullPath(key)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := fullPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	return os.Rename(tmp, fullPath)
}

// Get returns a reader for the object.
func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.fullPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List lists objects whose key starts with prefix, sorted by key.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]Info, error) {
	var results []Info

	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}

		rel, _ := filepath.Rel(s.root, p)
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		results = append(results, Info{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

func (s *LocalStorage) fullPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
