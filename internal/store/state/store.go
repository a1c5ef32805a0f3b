// Package state owns the durable variant status map. Apply is the only
// mutator; every change is persisted with an atomic rename under an advisory
// file lock so other processes never observe a partial file.
package state

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

	"github.com/JakeFAU/restock-tracker/internal/detector"
	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/storage/local"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// ErrClosed is returned by mutators after Close.
var ErrClosed = errors.New("state store closed")

const (
	metricsLabel  = "state"
	mirrorTimeout = 30 * time.Second
)

// Mirror keeps an off-host copy of the state file. Download reports
// tracker.ErrSnapshotNotFound when it has nothing for object.
type Mirror interface {
	Upload(ctx context.Context, object string, snapshot []byte) (string, error)
	Download(ctx context.Context, object string) ([]byte, error)
}

// Options configures a Store.
type Options struct {
	Path         string
	LockTimeout  time.Duration
	LockRetry    time.Duration
	Mirror       Mirror
	MirrorObject string
	// Restore seeds a missing or unreadable state file from Mirror.
	Restore bool
	Logger  *zap.Logger
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// Store is the concurrency-safe product status store.
type Store struct {
	mu       sync.Mutex
	path     string
	locker   *local.Locker
	logger   *zap.Logger
	statuses map[tracker.VariantKey]tracker.ProductStatus
	stamp    fileStamp
	dirty    bool
	closed   bool

	mirror       Mirror
	mirrorObject string
	mirrorCh     chan []byte
	mirrorStop   chan struct{}
	mirrorDone   chan struct{}
}

var _ tracker.StatusStore = (*Store)(nil)

// Open loads the store from opts.Path. A missing or corrupt file starts empty
// unless opts.Restore finds a snapshot in the mirror.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:     opts.Path,
		locker:   local.NewLocker(opts.Path, opts.LockTimeout, opts.LockRetry),
		logger:   logger.Named("state"),
		statuses: make(map[tracker.VariantKey]tracker.ProductStatus),
	}
	if opts.Mirror != nil {
		s.mirror = opts.Mirror
		s.mirrorObject = opts.MirrorObject
		if s.mirrorObject == "" {
			s.mirrorObject = "state.json"
		}
	}

	loaded, stamp, err := s.readFile()
	if err != nil {
		s.logger.Error("state file unreadable", zap.String("path", s.path), zap.Error(err))
	} else {
		s.statuses = loaded
		s.stamp = stamp
	}
	if opts.Restore && s.mirror != nil && (err != nil || stamp == (fileStamp{})) {
		s.restoreFromMirror()
	}

	if s.mirror != nil {
		s.mirrorCh = make(chan []byte, 1)
		s.mirrorStop = make(chan struct{})
		s.mirrorDone = make(chan struct{})
		go s.mirrorLoop()
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the status for key.
func (s *Store) Get(key tracker.VariantKey) (tracker.ProductStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[key]
	if !ok {
		return tracker.ProductStatus{}, false
	}
	return status.Clone(), true
}

// Snapshot returns a deep copy of every status.
func (s *Store) Snapshot() map[tracker.VariantKey]tracker.ProductStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[tracker.VariantKey]tracker.ProductStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v.Clone()
	}
	return out
}

// Apply folds obs into the status for key inside one critical section and
// persists the result. A *tracker.StoreIOFailure means the in-memory update
// happened but the file was not rewritten.
func (s *Store) Apply(key tracker.VariantKey, obs tracker.Observation) (tracker.ProductStatus, *tracker.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tracker.ProductStatus{}, nil, ErrClosed
	}

	unlock, lockErr := s.lockAndRefresh()
	if lockErr == nil {
		defer unlock()
	}

	obs.Key = key
	var prev *tracker.ProductStatus
	if current, ok := s.statuses[key]; ok {
		prev = &current
	}
	next, transition := detector.Fold(prev, obs)
	s.statuses[key] = next
	s.dirty = true

	if lockErr != nil {
		return next.Clone(), transition, lockErr
	}
	if err := s.persistLocked(); err != nil {
		return next.Clone(), transition, err
	}
	return next.Clone(), transition, nil
}

// RecordFailure increments ConsecutiveFailures for a known key. Unknown keys
// stay absent and report false.
func (s *Store) RecordFailure(key tracker.VariantKey) (tracker.ProductStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tracker.ProductStatus{}, false, ErrClosed
	}

	unlock, lockErr := s.lockAndRefresh()
	if lockErr == nil {
		defer unlock()
	}

	current, ok := s.statuses[key]
	if !ok {
		return tracker.ProductStatus{}, false, lockErr
	}
	next := detector.MarkFailure(current)
	s.statuses[key] = next
	s.dirty = true

	if lockErr != nil {
		return next.Clone(), true, lockErr
	}
	if err := s.persistLocked(); err != nil {
		return next.Clone(), true, err
	}
	return next.Clone(), true, nil
}

// Close waits for any in-flight mutation, flushes the mirror, and rejects
// further mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.mirrorStop != nil {
		close(s.mirrorStop)
		<-s.mirrorDone
	}
	return nil
}

// lockAndRefresh takes the cross-process lock and reloads the file when another
// process rewrote it and this process has nothing unsaved.
func (s *Store) lockAndRefresh() (func(), error) {
	unlock, err := s.locker.Lock(context.Background())
	if err != nil {
		s.logger.Warn("state lock unavailable", zap.String("lock", s.locker.Path()), zap.Error(err))
		metrics.ObserveStoreWrite(metricsLabel, err)
		return nil, &tracker.StoreIOFailure{Op: "lock", Path: s.locker.Path(), Err: err}
	}

	info, statErr := os.Stat(s.path)
	if statErr != nil {
		return unlock, nil
	}
	onDisk := fileStamp{modTime: info.ModTime(), size: info.Size()}
	if onDisk == s.stamp {
		return unlock, nil
	}
	if s.dirty {
		s.logger.Warn("state file changed on disk with unsaved local changes; keeping local state",
			zap.String("path", s.path))
		return unlock, nil
	}
	loaded, stamp, err := s.readFile()
	if err != nil {
		s.logger.Error("reload state file", zap.String("path", s.path), zap.Error(err))
		return unlock, nil
	}
	s.statuses = loaded
	s.stamp = stamp
	return unlock, nil
}

func (s *Store) persistLocked() error {
	payload, err := json.MarshalIndent(s.statuses, "", "  ")
	if err != nil {
		metrics.ObserveStoreWrite(metricsLabel, err)
		return &tracker.StoreIOFailure{Op: "encode", Path: s.path, Err: err}
	}
	if err := local.WriteFileAtomic(s.path, payload, 0o600); err != nil {
		metrics.ObserveStoreWrite(metricsLabel, err)
		s.logger.Error("persist state", zap.String("path", s.path), zap.Error(err))
		return &tracker.StoreIOFailure{Op: "write", Path: s.path, Err: err}
	}
	metrics.ObserveStoreWrite(metricsLabel, nil)
	if info, err := os.Stat(s.path); err == nil {
		s.stamp = fileStamp{modTime: info.ModTime(), size: info.Size()}
	}
	s.dirty = false
	s.enqueueMirror(payload)
	return nil
}

func (s *Store) readFile() (map[tracker.VariantKey]tracker.ProductStatus, fileStamp, error) {
	statuses := make(map[tracker.VariantKey]tracker.ProductStatus)
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return statuses, fileStamp{}, nil
	}
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("stat state file: %w", err)
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("read state file: %w", err)
	}
	stamp := fileStamp{modTime: info.ModTime(), size: info.Size()}
	if len(bytes.TrimSpace(raw)) == 0 {
		return statuses, stamp, nil
	}
	if err := json.Unmarshal(raw, &statuses); err != nil {
		return nil, fileStamp{}, fmt.Errorf("decode state file: %w", err)
	}
	return statuses, stamp, nil
}

// enqueueMirror keeps only the newest pending snapshot.
func (s *Store) enqueueMirror(payload []byte) {
	if s.mirrorCh == nil {
		return
	}
	select {
	case s.mirrorCh <- payload:
		return
	default:
	}
	select {
	case <-s.mirrorCh:
	default:
	}
	select {
	case s.mirrorCh <- payload:
	default:
	}
}

func (s *Store) mirrorLoop() {
	defer close(s.mirrorDone)
	for {
		select {
		case payload := <-s.mirrorCh:
			s.upload(payload)
		case <-s.mirrorStop:
			select {
			case payload := <-s.mirrorCh:
				s.upload(payload)
			default:
			}
			return
		}
	}
}

func (s *Store) upload(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	uri, err := s.mirror.Upload(ctx, s.mirrorObject, payload)
	if err != nil {
		s.logger.Warn("mirror state snapshot", zap.String("object", s.mirrorObject), zap.Error(err))
		return
	}
	s.logger.Debug("mirrored state snapshot", zap.String("uri", uri))
}

// restoreFromMirror replaces the in-memory map with the mirrored snapshot and
// writes it back to the local file. Any failure leaves the store as loaded.
func (s *Store) restoreFromMirror() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	log := s.logger.With(zap.String("object", s.mirrorObject))

	raw, err := s.mirror.Download(ctx, s.mirrorObject)
	if errors.Is(err, tracker.ErrSnapshotNotFound) {
		log.Info("no mirrored state to restore")
		return
	}
	if err != nil {
		log.Warn("download mirrored state", zap.Error(err))
		return
	}
	restored := make(map[tracker.VariantKey]tracker.ProductStatus)
	if err := json.Unmarshal(raw, &restored); err != nil {
		log.Warn("decode mirrored state", zap.Error(err))
		return
	}
	s.statuses = restored
	s.dirty = true
	log.Info("restored state from mirror", zap.Int("variants", len(restored)))

	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		log.Warn("state lock unavailable, restored state kept in memory", zap.Error(err))
		return
	}
	defer unlock()
	if err := local.WriteFileAtomic(s.path, raw, 0o600); err != nil {
		log.Warn("write restored state", zap.String("path", s.path), zap.Error(err))
		return
	}
	if info, err := os.Stat(s.path); err == nil {
		s.stamp = fileStamp{modTime: info.ModTime(), size: info.Size()}
	}
	s.dirty = false
}
