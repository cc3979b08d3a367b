package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalFS is a local-filesystem-backed Store, used for local/dev runs and
// tests in place of the production object store/CDN collaborator.
type LocalFS struct {
	baseDir string
}

// NewLocalFS creates a LocalFS rooted at baseDir, creating it if necessary.
func NewLocalFS(baseDir string) (*LocalFS, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create object store base dir: %w", err)
	}
	return &LocalFS{baseDir: baseDir}, nil
}

func (l *LocalFS) resolve(path string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(path))
}

// Put writes data at path, overwriting any existing object. contentType is
// accepted for interface parity with a real object store but unused by the
// filesystem backend.
func (l *LocalFS) Put(ctx context.Context, path string, data []byte, contentType string) error {
	full := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", path, err)
	}
	return nil
}

func (l *LocalFS) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

func (l *LocalFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", path, err)
}
