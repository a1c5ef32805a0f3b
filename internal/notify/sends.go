package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/storage/local"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// sendHistoryDays bounds how many past UTC days the counter file keeps.
const sendHistoryDays = 31

// SendCounter tracks successful sends per UTC day in a JSON file of
// "YYYY-MM-DD" → count, shared with other processes through the advisory lock.
// A send reserves a slot before delivery and either commits or releases it.
type SendCounter struct {
	mu      sync.Mutex
	path    string
	locker  *local.Locker
	logger  *zap.Logger
	counts  map[string]int
	pending map[string]int
	stamp   fileStamp
}

// OpenSendCounter loads the counter file. Missing or corrupt files start at zero.
func OpenSendCounter(path string, lockTimeout, lockRetry time.Duration, logger *zap.Logger) (*SendCounter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("send count path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SendCounter{
		path:    path,
		locker:  local.NewLocker(path, lockTimeout, lockRetry),
		logger:  logger.Named("sends"),
		counts:  make(map[string]int),
		pending: make(map[string]int),
	}
	stamp, err := readJSONFile(path, &c.counts)
	if err != nil {
		c.logger.Error("send counts unreadable, starting at zero", zap.String("path", path), zap.Error(err))
		c.counts = make(map[string]int)
	}
	c.stamp = stamp
	return c, nil
}

func dayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Today returns the number of committed sends on now's UTC day.
func (c *SendCounter) Today(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
	return c.counts[dayOf(now)]
}

// Reserve claims one send on now's UTC day. It refuses once committed plus
// reserved sends reach limit; a limit <= 0 never refuses.
func (c *SendCounter) Reserve(now time.Time, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
	day := dayOf(now)
	if limit > 0 && c.counts[day]+c.pending[day] >= limit {
		return false
	}
	c.pending[day]++
	return true
}

// Release drops a reservation whose send did not happen.
func (c *SendCounter) Release(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(dayOf(now))
}

func (c *SendCounter) releaseLocked(day string) {
	if c.pending[day] <= 1 {
		delete(c.pending, day)
		return
	}
	c.pending[day]--
}

// Commit turns a reservation into a counted send and persists the file. The
// in-memory count is kept even when the write fails.
func (c *SendCounter) Commit(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	day := dayOf(now)
	c.releaseLocked(day)

	unlock, err := c.locker.Lock(context.Background())
	if err != nil {
		c.counts[day]++
		metrics.ObserveStoreWrite("notification_sends", err)
		return &tracker.StoreIOFailure{Op: "lock", Path: c.locker.Path(), Err: err}
	}
	defer unlock()
	c.refreshLocked()
	c.counts[day]++
	c.pruneLocked(now)

	payload, err := json.MarshalIndent(c.counts, "", "  ")
	if err != nil {
		return &tracker.StoreIOFailure{Op: "encode", Path: c.path, Err: err}
	}
	err = local.WriteFileAtomic(c.path, payload, 0o600)
	metrics.ObserveStoreWrite("notification_sends", err)
	if err != nil {
		return &tracker.StoreIOFailure{Op: "write", Path: c.path, Err: err}
	}
	c.stamp, _ = statFile(c.path)
	return nil
}

// refreshLocked merges a changed file into memory, keeping the larger count
// per day so neither a foreign write nor an unsaved local one is lost.
func (c *SendCounter) refreshLocked() {
	onDisk, ok := statFile(c.path)
	if !ok || onDisk == c.stamp {
		return
	}
	disk := make(map[string]int)
	stamp, err := readJSONFile(c.path, &disk)
	if err != nil {
		c.logger.Warn("reload send counts", zap.String("path", c.path), zap.Error(err))
		return
	}
	for day, n := range disk {
		if n > c.counts[day] {
			c.counts[day] = n
		}
	}
	c.stamp = stamp
}

func (c *SendCounter) pruneLocked(now time.Time) {
	oldest := dayOf(now.AddDate(0, 0, -sendHistoryDays))
	for day := range c.counts {
		if day < oldest {
			delete(c.counts, day)
		}
	}
}
