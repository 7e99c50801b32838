// Package storage provides object storage adapters.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// LocalStorage implements ObjectStorage for local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// List returns all layer files below the base directory. Keys use forward
// slashes.
func (s *LocalStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	set := newLayerSet()

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !domain.IsLayerFile(info.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}

		set.add(output.StorageObject{
			Key:          filepath.ToSlash(relPath),
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return set.sorted(), nil
}

// GetReader returns a reader for the given object.
func (s *LocalStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //#nosec G304 -- path is confined to basePath
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	return f, err
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Upload writes an object, creating parent directories as needed. The file
// is written to a temporary name and renamed into place.
func (s *LocalStorage) Upload(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FullPath returns the full path for a key.
func (s *LocalStorage) FullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// resolve maps a key to a path inside the base directory.
func (s *LocalStorage) resolve(key string) (string, error) {
	path := s.FullPath(key)
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &domain.ValidationError{
			Field:      "key",
			Value:      key,
			Constraint: "inside storage root",
			Message:    "key escapes the storage directory",
		}
	}
	return path, nil
}

var (
	_ output.ObjectStorage = (*LocalStorage)(nil)
	_ output.ObjectStorage = (*HTTPStorage)(nil)
	_ output.ObjectStorage = (*S3Storage)(nil)
	_ output.ObjectStorage = (*AzureStorage)(nil)
)
