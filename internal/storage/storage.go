// Package storage keeps original uploads, redacted artifacts and previews.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/models"
)

// Blobs is the artifact store used by the API and the orchestrator.
type Blobs interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// URL returns a time-limited download link, or "" when the backend cannot
	// produce one and the caller must stream the object itself.
	URL(ctx context.Context, key, fileName string) (string, error)
}

// New picks S3 when a bucket is configured and the local filesystem otherwise.
func New(ctx context.Context, cfg config.Config) (Blobs, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	return NewLocal(cfg.StorageDir), nil
}

// Object keys for a document.
func SourceKey(documentID, ext string) string { return "originals/" + documentID + ext }
func RedactedKey(documentID, jobID, ext string) string {
	return "redacted/" + documentID + "/" + jobID + ext
}
func PreviewKey(documentID, jobID string) string {
	return "previews/" + documentID + "/" + jobID + ".jpg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	return key
}

// Local stores blobs under a base directory.
type Local struct {
	baseDir string
}

// NewLocal returns a filesystem store rooted at baseDir.
func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./data"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.baseDir, sanitizeKey(key))
}

// Put writes through a temp file so readers never see a partial object.
func (l *Local) Put(_ context.Context, key string, body []byte, _ string) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (l *Local) URL(context.Context, string, string) (string, error) {
	return "", nil
}
