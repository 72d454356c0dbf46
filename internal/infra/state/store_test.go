package state

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/pkg/common/logger"
)

const sampleState = "#Sat Aug 22 10:02:04 UTC 2026\nsequenceNumber=4711\ntimestamp=2026-08-22T10\\:00\\:00Z\n"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewWithHandler(slog.NewJSONHandler(io.Discard, nil))
	return NewStore(dir, log), dir
}

func writeState(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.txt"), []byte(content), 0o644))
}

func TestLoadParsesState(t *testing.T) {
	store, dir := newTestStore(t)
	writeState(t, dir, sampleState)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4711), cp.Sequence)
	assert.Equal(t, time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC), cp.Timestamp)
}

func TestLoadMissingState(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.True(t, replication.IsMissingCheckpoint(err))
}

func TestLoadEmptyState(t *testing.T) {
	store, dir := newTestStore(t)
	writeState(t, dir, "   \n")

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.True(t, replication.IsMissingCheckpoint(err))
}

func TestLoadCorruptState(t *testing.T) {
	store, dir := newTestStore(t)
	writeState(t, dir, "sequenceNumber=not-a-number\n")

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.False(t, replication.IsMissingCheckpoint(err))
}

func TestBackupRestoreIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)
	writeState(t, dir, sampleState)

	require.NoError(t, store.Backup(ctx))

	// Simulate the replication client advancing the cursor in place.
	writeState(t, dir, "sequenceNumber=4712\ntimestamp=2026-08-22T11\\:00\\:00Z\n")

	require.NoError(t, store.Restore(ctx))

	data, err := os.ReadFile(store.StatePath())
	require.NoError(t, err)
	assert.Equal(t, sampleState, string(data))

	// The backup is consumed by the restore.
	_, err = os.Stat(store.StatePath() + ".backup")
	assert.True(t, os.IsNotExist(err))
}

func TestClearBackup(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)
	writeState(t, dir, sampleState)

	require.NoError(t, store.Backup(ctx))
	require.NoError(t, store.ClearBackup(ctx))

	// Idempotent when no backup exists.
	require.NoError(t, store.ClearBackup(ctx))
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)
	writeState(t, dir, sampleState)

	require.NoError(t, store.Archive(ctx, "takeover"))

	matches, err := filepath.Glob(filepath.Join(dir, "state-takeover-*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, sampleState, string(data))
}

func TestArchiveWithoutState(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Archive(context.Background(), "takeover"))
}

func TestEnsureConfigurationCreates(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)

	require.NoError(t, store.EnsureConfiguration(ctx, time.Hour))

	data, err := os.ReadFile(filepath.Join(dir, "configuration.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "maxInterval = 3600")
}

func TestEnsureConfigurationRewrites(t *testing.T) {
	ctx := context.Background()
	store, dir := newTestStore(t)

	existing := "baseUrl = https://planet.openstreetmap.org/replication/minute\nmaxInterval = 60\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configuration.txt"), []byte(existing), 0o644))

	require.NoError(t, store.EnsureConfiguration(ctx, 30*time.Minute))

	data, err := os.ReadFile(filepath.Join(dir, "configuration.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "baseUrl = https://planet.openstreetmap.org/replication/minute")
	assert.Contains(t, string(data), "maxInterval = 1800")
	assert.NotContains(t, string(data), "maxInterval = 60")
}
