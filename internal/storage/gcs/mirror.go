// Package gcs mirrors state snapshots into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Mirror reads and writes snapshot objects in one bucket.
type Mirror struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	owned  bool
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client *storage.Client, cfg Config) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("gcs mirror: storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs mirror: bucket name is required")
	}
	return &Mirror{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Open creates a client from Application Default Credentials and fails fast
// when the bucket is not reachable.
func Open(ctx context.Context, cfg Config) (*Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs mirror: bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	m, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := m.bucket.Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q unavailable: %w", cfg.Bucket, err)
	}
	m.owned = true
	return m, nil
}

// Upload replaces the object with snapshot and returns its gs:// URI.
func (m *Mirror) Upload(ctx context.Context, object string, snapshot []byte) (string, error) {
	name, err := m.objectName(object)
	if err != nil {
		return "", err
	}
	w := m.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-store"
	if _, err := w.Write(snapshot); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", m.name, name), nil
}

// Download returns the object's bytes, or tracker.ErrSnapshotNotFound.
func (m *Mirror) Download(ctx context.Context, object string) ([]byte, error) {
	name, err := m.objectName(object)
	if err != nil {
		return nil, err
	}
	r, err := m.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", m.name, name, tracker.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open gcs object %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gcs object %s: %w", name, err)
	}
	return raw, nil
}

func (m *Mirror) objectName(object string) (string, error) {
	object = strings.Trim(strings.TrimSpace(object), "/")
	if object == "" {
		return "", errors.New("gcs mirror: object name is required")
	}
	if m.prefix == "" {
		return object, nil
	}
	return path.Join(m.prefix, object), nil
}

// Close releases the client when Open created it.
func (m *Mirror) Close() error {
	if m == nil || !m.owned {
		return nil
	}
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
