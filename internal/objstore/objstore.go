// Package objstore is the get/put object storage layer the image bank
// persists to. It offers no transactions and no conditional writes: two
// writers of the same key race and the last one wins.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("object not found")

// Backend is a raw key/value object store.
type Backend interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Store adds key prefixing and JSON helpers on top of a Backend.
type Store struct {
	backend Backend
	prefix  string
}

// New creates a Store writing every key under prefix.
func New(backend Backend, prefix string) *Store {
	return &Store{backend: backend, prefix: strings.Trim(prefix, "/")}
}

// Key returns the fully-prefixed key for name.
func (s *Store) Key(name string) string {
	if s.prefix == "" {
		return strings.TrimLeft(name, "/")
	}
	return path.Join(s.prefix, name)
}

// DownloadJSON decodes the object at name into v.
func (s *Store) DownloadJSON(ctx context.Context, name string, v any) error {
	data, err := s.backend.GetObject(ctx, s.Key(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", s.Key(name), err)
	}
	return nil
}

// UploadJSON encodes v as UTF-8 JSON and writes it to name.
func (s *Store) UploadJSON(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.Key(name), err)
	}
	return s.backend.PutObject(ctx, s.Key(name), data, "application/json")
}

// DownloadBuffer returns the raw bytes stored at name.
func (s *Store) DownloadBuffer(ctx context.Context, name string) ([]byte, error) {
	return s.backend.GetObject(ctx, s.Key(name))
}

// UploadBuffer writes data to name.
func (s *Store) UploadBuffer(ctx context.Context, name string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.backend.PutObject(ctx, s.Key(name), data, contentType)
}

// PublicURL joins a public base URL with the prefixed key for name. Returns
// "" when baseURL is empty.
func (s *Store) PublicURL(baseURL, name string) string {
	if baseURL == "" || name == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/" + s.Key(name)
}
