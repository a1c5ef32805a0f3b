package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the advisory lock is not acquired in time.
var ErrLockTimeout = errors.New("lock wait timed out")

const (
	defaultLockTimeout = 5 * time.Second
	defaultLockRetry   = 50 * time.Millisecond
)

// Locker guards read-modify-write cycles on a data file across processes
// using an advisory lock on a sibling ".lock" file.
type Locker struct {
	path    string
	lock    *flock.Flock
	timeout time.Duration
	retry   time.Duration
}

// NewLocker returns a Locker for dataPath. Zero durations fall back to defaults.
func NewLocker(dataPath string, timeout, retry time.Duration) *Locker {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	if retry <= 0 {
		retry = defaultLockRetry
	}
	path := dataPath + ".lock"
	return &Locker{
		path:    path,
		lock:    flock.New(path),
		timeout: timeout,
		retry:   retry,
	}
}

// Path returns the lock file path.
func (l *Locker) Path() string {
	return l.path
}

// Lock acquires the exclusive lock, retrying until the timeout or ctx ends.
// The returned func releases it.
func (l *Locker) Lock(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := l.lock.TryLockContext(waitCtx, l.retry)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock %s after %s: %w", l.path, l.timeout, ErrLockTimeout)
		}
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s after %s: %w", l.path, l.timeout, ErrLockTimeout)
	}
	return func() {
		_ = l.lock.Unlock()
	}, nil
}
