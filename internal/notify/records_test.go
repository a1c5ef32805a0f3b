package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

func TestRecordsMergeWritesFromAnotherProcess(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notifications.json")
	first, err := OpenRecords(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)
	second, err := OpenRecords(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)

	inStock := tracker.NotificationRecord{LastNotifiedAt: start, LastNotifiedDirection: tracker.DirectionInStock}
	require.NoError(t, first.Upsert("alice", variant, inStock))
	require.NoError(t, second.Upsert("bob", variant, inStock))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]tracker.NotificationRecord
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk, "alice:shopify-ca:V1", "the second writer keeps the first writer's record")
	assert.Contains(t, onDisk, "bob:shopify-ca:V1")

	_, ok := first.Get("bob", variant)
	assert.True(t, ok, "reads pick up records written elsewhere")
}

func TestRecordsMergeKeepsNewerSend(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notifications.json")
	first, err := OpenRecords(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)
	second, err := OpenRecords(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)

	older := tracker.NotificationRecord{LastNotifiedAt: start, LastNotifiedDirection: tracker.DirectionInStock}
	newer := tracker.NotificationRecord{LastNotifiedAt: start.Add(time.Hour), LastNotifiedDirection: tracker.DirectionOutOfStock}
	require.NoError(t, first.Upsert("alice", variant, older))
	require.NoError(t, second.Upsert("alice", variant, newer))

	rec, ok := first.Get("alice", variant)
	require.True(t, ok)
	assert.Equal(t, tracker.DirectionOutOfStock, rec.LastNotifiedDirection)

	require.NoError(t, first.Upsert("carol", variant, older))
	reloaded, err := OpenRecords(path, time.Second, 0, nil)
	require.NoError(t, err)
	rec, ok = reloaded.Get("alice", variant)
	require.True(t, ok)
	assert.True(t, rec.LastNotifiedAt.Equal(newer.LastNotifiedAt), "an older local record never overwrites a newer one on disk")
}
