package objectstore

import (
	"context"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
)

// GCSStorage implements Client using Google Cloud Storage.
type GCSStorage struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStorage creates a GCS-backed Client.
// It uses Application Default Credentials.
func NewGCSStorage(ctx context.Context, bucket, prefix string) (*GCSStorage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs object store requires a bucket")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStorage{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	key = joinKey(s.prefix, key)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (s *GCSStorage) Get(ctx context.Context, key string) ([]byte, error) {
	key = joinKey(s.prefix, key)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
