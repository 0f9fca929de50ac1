// Package authstore is the auth blob store: a durable key/value of
// session-name to opaque archive bytes, one file per session name,
// with save/extract/delete serialized per name.
package authstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the auth blob store's consumed interface.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Save(ctx context.Context, name string, archive []byte) error
	Extract(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// FileStore persists each session's archive as a single file under dir,
// keyed by session name.
type FileStore struct {
	dir  string
	lock *keyLock
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create auth blob directory: %w", err)
	}
	return &FileStore{dir: dir, lock: newKeyLock()}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".archive")
}

func (f *FileStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(f.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *FileStore) Save(ctx context.Context, name string, archive []byte) error {
	unlock := f.lock.lock(name)
	defer unlock()
	return os.WriteFile(f.path(name), archive, 0o600)
}

func (f *FileStore) Extract(ctx context.Context, name string) ([]byte, error) {
	unlock := f.lock.lock(name)
	defer unlock()
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		return nil, fmt.Errorf("extract auth blob %s: %w", name, err)
	}
	return data, nil
}

func (f *FileStore) Delete(ctx context.Context, name string) error {
	unlock := f.lock.lock(name)
	defer unlock()
	err := os.Remove(f.path(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".archive"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			names = append(names, name[:len(name)-len(suffix)])
		}
	}
	return names, nil
}
