package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tempPrefix = ".tmp-"

// FileStore keeps one file per record under baseDir/<namespace>/<name>.
// Writes go to a temp file in the same directory and are renamed into place.
type FileStore struct {
	baseDir string
	perm    fs.FileMode
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		baseDir = "."
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, ioError(err, "mkdir", baseDir)
	}
	return &FileStore{baseDir: baseDir, perm: 0o600}, nil
}

// BaseDir returns the root directory of the store.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) path(key string) (string, string, error) {
	namespace, name, err := SplitKey(key)
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(s.baseDir, namespace)
	return dir, filepath.Join(dir, name), nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	dir, target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError(err, "mkdir", key)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return ioError(err, "create", key)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioError(err, "write", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioError(err, "sync", key)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return ioError(err, "close", key)
	}
	if err := os.Chmod(tmpName, s.perm); err != nil {
		cleanup()
		return ioError(err, "chmod", key)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return ioError(err, "rename", key)
	}
	syncDir(dir)
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	_, target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, ioError(err, "read", key)
	}
	return data, nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	namespace, namePrefix, _ := strings.Cut(prefix, "/")
	if _, err := sanitizeComponent(namespace); err != nil {
		return nil, invalidKey(prefix)
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, namespace))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError(err, "list", prefix)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		keys = append(keys, Key(namespace, name))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	dir, target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError(err, "delete", key)
	}
	syncDir(dir)
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// syncDir flushes directory metadata so renames and unlinks survive a crash.
// Not every platform supports fsync on directories; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
