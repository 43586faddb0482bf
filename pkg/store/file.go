package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// FileStore keeps one YAML document per key in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory the store writes to.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key+".yaml")
}

// Load reads the document saved under key.
func (f *FileStore) Load(_ context.Context, key string) (state.State, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	st, err := state.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %q: %w", key, err)
	}
	return st, nil
}

// Save replaces the document under key. The write goes through a
// temporary file so a crash never leaves a truncated document.
func (f *FileStore) Save(_ context.Context, key string, st state.State) error {
	if err := validKey(key); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := state.Encode(&buf, st, state.FormatYAML); err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: save %q: %w", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: save %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: save %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("store: save %q: %w", key, err)
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
