package storage

import (
	"errors"
	"io"
)

var ErrNotFound = errors.New("content not found")

// Storage defines the interface for storing and retrieving received payloads.
type Storage interface {
	// Put stores content and returns its identifier, the content hash.
	Put(content io.Reader) (string, error)
	Get(id string) (io.ReadCloser, error)
	// GetPath returns the file path for a given content identifier.
	GetPath(id string) (string, error)
	Exists(id string) bool
}
