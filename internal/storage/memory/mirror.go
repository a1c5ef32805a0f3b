// Package memory is an in-process state mirror for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Mirror holds the latest snapshot per object and counts uploads.
type Mirror struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	err     error
}

// New returns an empty Mirror.
func New() *Mirror {
	return &Mirror{objects: make(map[string][]byte)}
}

// Seed stores snapshot as if it had been uploaded earlier.
func (m *Mirror) Seed(object string, snapshot []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[object] = append([]byte(nil), snapshot...)
}

// FailWith makes every later Upload and Download return err. Nil clears it.
func (m *Mirror) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Upload stores a copy of snapshot.
func (m *Mirror) Upload(_ context.Context, object string, snapshot []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.objects[object] = append([]byte(nil), snapshot...)
	m.uploads++
	return "memory://" + object, nil
}

// Download returns a copy of the stored snapshot.
func (m *Mirror) Download(_ context.Context, object string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	raw, ok := m.objects[object]
	if !ok {
		return nil, fmt.Errorf("memory://%s: %w", object, tracker.ErrSnapshotNotFound)
	}
	return append([]byte(nil), raw...), nil
}

// Uploads reports how many uploads succeeded.
func (m *Mirror) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}
