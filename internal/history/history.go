// Package history implements the append-only audit log of stock transitions
// and failure markers. Nothing in the polling pipeline reads it back; Recent
// exists for the admin API.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const maxLineBytes = 1 << 20

// File appends entries as JSON lines.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

var _ tracker.HistoryLog = (*File)(nil)

// NewFile returns a history log writing to path. The file is created on the
// first append.
func NewFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history file path is required")
	}
	return &File{path: path}, nil
}

// Path returns the backing file path.
func (h *File) Path() string {
	return h.path
}

// Append writes one entry as a single line.
func (h *File) Append(ctx context.Context, entry tracker.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		if err := os.MkdirAll(filepath.Dir(h.path), 0o750); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- configured path.
		if err != nil {
			return fmt.Errorf("open history file: %w", err)
		}
		h.f = f
	}
	if _, err := h.f.Write(line); err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty key matches all
// entries. Lines that fail to decode are skipped.
func (h *File) Recent(key tracker.VariantKey, limit int) ([]tracker.HistoryEntry, error) {
	if limit <= 0 {
		return []tracker.HistoryEntry{}, nil
	}
	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return []tracker.HistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ring := make([]tracker.HistoryEntry, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var entry tracker.HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if key != "" && entry.VariantKey != key {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history file: %w", err)
	}

	out := make([]tracker.HistoryEntry, len(ring))
	for i, entry := range ring {
		out[len(ring)-1-i] = entry
	}
	return out, nil
}

// Close releases the file handle.
func (h *File) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	if err != nil {
		return fmt.Errorf("close history file: %w", err)
	}
	return nil
}
