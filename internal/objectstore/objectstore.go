// Package objectstore stores the resized images produced while ingesting
// image datasets. Keys are slash-separated and relative to the backend's
// configured prefix.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Client abstracts blob storage for processed dataset files.
type Client interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // local, s3, gcs or minio
	Path      string // root directory for the local backend
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// New creates the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.Path == "" {
			return nil, fmt.Errorf("local object store requires a path")
		}
		return NewLocalStorage(cfg.Path), nil
	case "s3":
		return NewS3Storage(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Prefix:    cfg.Prefix,
		})
	case "gcs":
		return NewGCSStorage(ctx, cfg.Bucket, cfg.Prefix)
	case "minio":
		return NewMinioStorage(ctx, MinioConfig{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Prefix:    cfg.Prefix,
			UseSSL:    cfg.UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(strings.Trim(prefix, "/"), key)
}

// LocalStorage implements Client using the local filesystem.
// It is the default destination when running in local mode.
type LocalStorage struct {
	BaseDir string
}

// NewLocalStorage creates a LocalStorage rooted at the given directory.
func NewLocalStorage(baseDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir}
}

func (s *LocalStorage) path(key string) (string, error) {
	p := filepath.Join(s.BaseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.BaseDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes %s", key, s.BaseDir)
	}
	return p, nil
}

// Put writes data under key, creating parent directories as needed.
func (s *LocalStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

// Get reads the object stored under key.
func (s *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}
