package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalActions)
	assert.NotNil(t, st.DailyCounts)
	assert.NotNil(t, st.Excluded)
}

func TestFileStoreCommitLoad(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "history.json"))
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	st := RecordActions(Empty(), accounts("10", "11"), now)
	require.NoError(t, s.Commit(ctx, st))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalActions)
	assert.Equal(t, 2, got.DailyCounts["2025-06-01"])
	require.Len(t, got.ActionLog, 2)
	assert.Equal(t, "h11", got.ActionLog[1].Handle)
	assert.True(t, got.ActionLog[0].PerformedAt.Equal(now))
	assert.Contains(t, got.Excluded, "10")

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorruptResetsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	st, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalActions)
	assert.Empty(t, st.ActionLog)
}

func TestFileStoreReadsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unfollow_history.json")
	legacy := `{
  "total_unfollowed": 2,
  "daily_unfollows": {"2024-11-02": 2},
  "last_check": "2024-11-02T21:15:03.120000",
  "unfollowed_users": [
    {"username": "old_one", "user_id": "123", "unfollowed_at": "2024-11-02T21:10:00.000001"},
    {"username": "old_two", "user_id": 456, "unfollowed_at": "2024-11-02T21:11:00"}
  ],
  "some_future_field": true
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	st, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalActions)
	require.Len(t, st.ActionLog, 2)
	assert.Equal(t, "456", st.ActionLog[1].AccountID)
	assert.Contains(t, st.Excluded, "123")
	assert.Contains(t, st.Excluded, "456")
	require.NotNil(t, st.LastRunAt)
	assert.Equal(t, 21, st.LastRunAt.Hour())
}

func TestFileStoreLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))

	release, err := s.Acquire(ctx, "run-a", time.Hour)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "run-b", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))

	require.NoError(t, release())
	release2, err := s.Acquire(ctx, "run-b", time.Hour)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestFileStoreStaleLockTakenOver(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	_, err := s.Acquire(ctx, "crashed", -time.Minute)
	require.NoError(t, err)

	release, err := s.Acquire(ctx, "fresh", time.Hour)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileStoreUnreadableFreshLockIsHeld(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "h.json"))
	require.NoError(t, os.WriteFile(s.Path()+".lock", nil, 0o644))

	_, err := s.Acquire(ctx, "second", time.Hour)
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, statErr := os.Stat(s.Path() + ".lock")
	assert.NoError(t, statErr, "the other holder's lock must stay in place")
}

func TestFileStoreUnreadableOldLockTakenOver(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "h.json"))
	lockPath := s.Path() + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("{trunc"), 0o644))
	old := time.Now().Add(-2 * lockGrace)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	release, err := s.Acquire(ctx, "second", time.Hour)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileStoreReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "h.json"))
	release, err := s.Acquire(ctx, "run-a", time.Hour)
	require.NoError(t, err)

	// run-a's lease was taken over while it was still running
	foreign := []byte(`{"holder":"run-b","expires_at":"2999-01-01T00:00:00Z"}`)
	require.NoError(t, os.WriteFile(s.Path()+".lock", foreign, 0o644))

	require.NoError(t, release())
	got, err := os.ReadFile(s.Path() + ".lock")
	require.NoError(t, err)
	assert.Equal(t, foreign, got)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp or moved-aside files left behind")
}
