package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCounterReserveCommitRelease(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sends.json")
	c, err := OpenSendCounter(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)

	require.True(t, c.Reserve(start, 2))
	require.True(t, c.Reserve(start, 2))
	assert.False(t, c.Reserve(start, 2), "reservations count against the cap")

	c.Release(start)
	require.NoError(t, c.Commit(start))
	assert.Equal(t, 1, c.Today(start))
	require.True(t, c.Reserve(start, 2))
	assert.False(t, c.Reserve(start, 2))

	tomorrow := start.Add(24 * time.Hour)
	assert.True(t, c.Reserve(tomorrow, 2), "counts reset on the next UTC day")
	assert.True(t, c.Reserve(start, 0), "zero means unlimited")

	reloaded, err := OpenSendCounter(path, time.Second, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Today(start))
	assert.Zero(t, reloaded.Today(tomorrow))
}

func TestSendCounterSharedAcrossProcesses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sends.json")
	first, err := OpenSendCounter(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)
	second, err := OpenSendCounter(path, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)

	require.True(t, first.Reserve(start, 2))
	require.NoError(t, first.Commit(start))
	require.True(t, second.Reserve(start, 2))
	require.NoError(t, second.Commit(start))

	assert.Equal(t, 2, first.Today(start))
	assert.False(t, first.Reserve(start, 2), "the other process's sends count too")
}

func TestSendCounterPrunesOldDaysAndSurvivesCorruption(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sends.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	c, err := OpenSendCounter(path, time.Second, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, c.Today(start))

	old := start.AddDate(0, 0, -(sendHistoryDays + 5))
	require.True(t, c.Reserve(old, 0))
	require.NoError(t, c.Commit(old))
	require.True(t, c.Reserve(start, 0))
	require.NoError(t, c.Commit(start))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), dayOf(old))
	assert.Contains(t, string(raw), dayOf(start))

	_, err = OpenSendCounter(" ", 0, 0, nil)
	require.Error(t, err)
}
