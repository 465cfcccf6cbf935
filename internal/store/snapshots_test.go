package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedSnapshot struct {
	Titles []string `json:"titles"`
}

func TestSnapshotsSaveLoadAndPrune(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshots(dir, 2)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for i, title := range []string{"first", "second", "third"} {
		now = now.Add(time.Duration(i+1) * time.Second)
		_, err := SaveSnapshot(s, "feed", feedSnapshot{Titles: []string{title}})
		require.NoError(t, err)
	}

	got, taken, err := LoadLatestSnapshot[feedSnapshot](s, "feed")
	require.NoError(t, err)
	assert.Equal(t, []string{"third"}, got.Titles)
	assert.True(t, taken.Equal(now))

	entries, err := os.ReadDir(filepath.Join(dir, "feed"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLoadLatestSnapshotMissing(t *testing.T) {
	s := NewSnapshots(t.TempDir(), 3)
	_, _, err := LoadLatestSnapshot[feedSnapshot](s, "feed")
	assert.ErrorIs(t, err, ErrNotFound)
}
