package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoragePutGet(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStorage(dir)
	ctx := context.Background()

	data := []byte{0xff, 0xd8, 0xff}
	if err := s.Put(ctx, "images/img_001.jpg", data, "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "images/img_001.jpg")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %v, want %v", got, data)
	}

	// Verify file path layout
	expectedPath := filepath.Join(dir, "images", "img_001.jpg")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Errorf("expected file at %s: %v", expectedPath, err)
	}
}

func TestLocalStorageGetNotFound(t *testing.T) {
	s := NewLocalStorage(t.TempDir())
	if _, err := s.Get(context.Background(), "nonexistent.jpg"); err == nil {
		t.Error("expected error for nonexistent object")
	}
}

func TestLocalStorageRejectsEscapingKey(t *testing.T) {
	s := NewLocalStorage(t.TempDir())
	if err := s.Put(context.Background(), "../outside.jpg", []byte("x"), "image/jpeg"); err == nil {
		t.Error("expected error for key outside the base directory")
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		prefix, key, want string
	}{
		{"", "a.jpg", "a.jpg"},
		{"datasets/cars", "a.jpg", "datasets/cars/a.jpg"},
		{"/datasets/cars/", "a.jpg", "datasets/cars/a.jpg"},
	}
	for _, tt := range tests {
		if got := joinKey(tt.prefix, tt.key); got != tt.want {
			t.Errorf("joinKey(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestMinioEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		ssl      bool
		wantHost string
		wantSSL  bool
	}{
		{"localhost:9000", false, "localhost:9000", false},
		{"http://minio.internal:9000", false, "minio.internal:9000", false},
		{"https://minio.example.com", false, "minio.example.com", true},
		{"minio:9000", true, "minio:9000", true},
		{"127.0.0.1:9000", false, "127.0.0.1:9000", false},
	}
	for _, tt := range tests {
		host, ssl, err := minioEndpoint(tt.raw, tt.ssl)
		if err != nil {
			t.Fatalf("minioEndpoint(%q): %v", tt.raw, err)
		}
		if host != tt.wantHost || ssl != tt.wantSSL {
			t.Errorf("minioEndpoint(%q) = %q, %v; want %q, %v", tt.raw, host, ssl, tt.wantHost, tt.wantSSL)
		}
	}
}

func TestNewLocalRequiresPath(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "local"}); err == nil {
		t.Error("expected error without a path")
	}
	c, err := New(context.Background(), Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.(*LocalStorage); !ok {
		t.Errorf("New returned %T, want *LocalStorage", c)
	}
	if _, err := New(context.Background(), Config{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
