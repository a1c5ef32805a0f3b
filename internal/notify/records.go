package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/storage/local"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// RecordStore persists NotificationRecords keyed by "userId:variantKey".
// Records are created on the first successful send and never deleted.
// Other processes may write the same file; their records are merged in
// whenever the file changes, the newer send winning per key.
type RecordStore struct {
	mu      sync.Mutex
	path    string
	locker  *local.Locker
	logger  *zap.Logger
	records map[string]tracker.NotificationRecord
	stamp   fileStamp
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func statFile(path string) (fileStamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, true
}

// readJSONFile decodes path into v. A missing or blank file leaves v alone
// and reports no error.
func readJSONFile(path string, v any) (fileStamp, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileStamp{}, nil
	}
	if err != nil {
		return fileStamp{}, err
	}
	stamp, _ := statFile(path)
	if len(bytes.TrimSpace(raw)) == 0 {
		return stamp, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return stamp, fmt.Errorf("decode %s: %w", path, err)
	}
	return stamp, nil
}

// OpenRecords loads the record file. Missing or corrupt files start empty.
func OpenRecords(path string, lockTimeout, lockRetry time.Duration, logger *zap.Logger) (*RecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("notification record path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RecordStore{
		path:    path,
		locker:  local.NewLocker(path, lockTimeout, lockRetry),
		logger:  logger.Named("records"),
		records: make(map[string]tracker.NotificationRecord),
	}
	stamp, err := readJSONFile(path, &s.records)
	if err != nil {
		s.logger.Error("notification records unreadable, starting empty", zap.String("path", path), zap.Error(err))
		s.records = make(map[string]tracker.NotificationRecord)
	}
	s.stamp = stamp
	return s, nil
}

// Get returns the record for a (user, variant) pair.
func (s *RecordStore) Get(userID string, key tracker.VariantKey) (tracker.NotificationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	rec, ok := s.records[tracker.RecordKey(userID, key)]
	return rec, ok
}

// Snapshot returns a copy of every record.
func (s *RecordStore) Snapshot() map[string]tracker.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make(map[string]tracker.NotificationRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Upsert stores rec and rewrites the file atomically under the advisory lock,
// merging records written by other processes first. The in-memory record is
// kept even when the write fails.
func (s *RecordStore) Upsert(userID string, key tracker.VariantKey, rec tracker.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[tracker.RecordKey(userID, key)] = rec

	unlock, err := s.locker.Lock(context.Background())
	if err != nil {
		metrics.ObserveStoreWrite("notification_records", err)
		return &tracker.StoreIOFailure{Op: "lock", Path: s.locker.Path(), Err: err}
	}
	defer unlock()
	s.refreshLocked()

	payload, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return &tracker.StoreIOFailure{Op: "encode", Path: s.path, Err: err}
	}
	err = local.WriteFileAtomic(s.path, payload, 0o600)
	metrics.ObserveStoreWrite("notification_records", err)
	if err != nil {
		return &tracker.StoreIOFailure{Op: "write", Path: s.path, Err: err}
	}
	s.stamp, _ = statFile(s.path)
	return nil
}

// refreshLocked merges the file into memory when it changed since the last
// read or write. Caller holds s.mu.
func (s *RecordStore) refreshLocked() {
	onDisk, ok := statFile(s.path)
	if !ok || onDisk == s.stamp {
		return
	}
	disk := make(map[string]tracker.NotificationRecord)
	stamp, err := readJSONFile(s.path, &disk)
	if err != nil {
		s.logger.Warn("reload notification records", zap.String("path", s.path), zap.Error(err))
		return
	}
	for k, theirs := range disk {
		if ours, ok := s.records[k]; !ok || theirs.LastNotifiedAt.After(ours.LastNotifiedAt) {
			s.records[k] = theirs
		}
	}
	s.stamp = stamp
}
