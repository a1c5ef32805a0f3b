package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Config locates the mirror directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// Mirror keeps state snapshots in a second directory, typically a mounted
// volume that survives the host.
type Mirror struct {
	root string
}

// New prepares BaseDir, creating it if needed, and checks it is writable.
func New(cfg Config) (*Mirror, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("mirror base directory is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("mirror directory %s is not writable: %w", root, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove mirror probe: %w", err)
	}
	return &Mirror{root: root}, nil
}

// Upload atomically replaces object with snapshot and returns a file:// URI.
func (m *Mirror) Upload(ctx context.Context, object string, snapshot []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("mirror upload canceled: %w", err)
	}
	path, err := m.resolve(object)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(path, snapshot, 0o600); err != nil {
		return "", fmt.Errorf("write mirror object: %w", err)
	}
	return "file://" + path, nil
}

// Download reads object back. A missing object is tracker.ErrSnapshotNotFound.
func (m *Mirror) Download(ctx context.Context, object string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mirror download canceled: %w", err)
	}
	path, err := m.resolve(object)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, tracker.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read mirror object: %w", err)
	}
	return raw, nil
}

// resolve maps object under the root and refuses names that escape it.
func (m *Mirror) resolve(object string) (string, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errors.New("mirror object name is required")
	}
	path := filepath.Join(m.root, object)
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("mirror object %q escapes %s", object, m.root)
	}
	return path, nil
}
