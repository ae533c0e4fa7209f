package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaywantadh/BufferShare/internal/hashing"
)

// LocalStorage implements the Storage interface for the local filesystem.
type LocalStorage struct {
	basePath string
	hasher   hashing.Hasher
}

// NewLocalStorage creates a new LocalStorage instance. A nil hasher means
// SHA-256.
func NewLocalStorage(basePath string, hasher hashing.Hasher) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if hasher == nil {
		hasher = hashing.SHA256()
	}
	return &LocalStorage{basePath: basePath, hasher: hasher}, nil
}

// Put stores content on the local filesystem under its content hash.
// Storing the same bytes twice is a no-op.
func (s *LocalStorage) Put(content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	id, err := s.hasher.Sum(context.Background(), data)
	if err != nil {
		return "", err
	}
	if s.Exists(id) {
		return id, nil
	}

	tmp, err := os.CreateTemp(s.basePath, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write content: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.basePath, id)); err != nil {
		return "", fmt.Errorf("failed to commit content: %w", err)
	}
	return id, nil
}

// Get opens stored content. The caller closes the reader.
func (s *LocalStorage) Get(id string) (io.ReadCloser, error) {
	path, err := s.GetPath(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to open content file: %w", err)
	}
	return file, nil
}

// GetPath returns the file path for a given content identifier.
func (s *LocalStorage) GetPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid content id %q", id)
	}
	return filepath.Join(s.basePath, id), nil
}

func (s *LocalStorage) Exists(id string) bool {
	path, err := s.GetPath(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
