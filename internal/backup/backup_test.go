package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/fs"
	"arklowdun/internal/testutil"
)

func newTestEngine(t *testing.T, store *database.Store, clock *testutil.StubClock) *Engine {
	t.Helper()
	return New(Options{
		DBPath:     store.Path(),
		BackupsDir: filepath.Join(filepath.Dir(store.Path()), "backups"),
		AppVersion: "1.0.0",
		Clock:      clock,
	})
}

func TestEngine_Create(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh", "")
	engine := newTestEngine(t, store, testutil.FixedClock())

	entry, err := engine.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, "20240115-103000", filepath.Base(entry.Directory))
	sum, size, err := fs.HashFile(entry.SQLitePath)
	require.NoError(t, err)
	assert.Equal(t, sum, entry.Manifest.SHA256)
	assert.Equal(t, size, entry.Manifest.Size)
	assert.Equal(t, "1.0.0", entry.Manifest.AppVersion)
	assert.NoFileExists(t, entry.SQLitePath+fs.PartialSuffix)

	live, err := store.SchemaHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, entry.Manifest.SchemaHash)

	snap, err := database.Open(entry.SQLitePath, database.OpenOptions{ReadOnly: true})
	require.NoError(t, err)
	defer snap.Close()
	var mode string
	require.NoError(t, snap.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "delete", mode)
	var n int
	require.NoError(t, snap.QueryRow("SELECT COUNT(*) FROM household").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestEngine_CreateAllocatesSuffix(t *testing.T) {
	store := testutil.NewTestStore(t)
	engine := newTestEngine(t, store, testutil.FixedClock())

	first, err := engine.Create(context.Background())
	require.NoError(t, err)
	second, err := engine.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "20240115-103000", filepath.Base(first.Directory))
	assert.Equal(t, "20240115-103000-01", filepath.Base(second.Directory))
}

func TestEngine_Retention(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := testutil.FixedClock()
	engine := newTestEngine(t, store, clock)
	engine.opts.MaxCount = 2

	var dirs []string
	for i := 0; i < 3; i++ {
		entry, err := engine.Create(context.Background())
		require.NoError(t, err)
		dirs = append(dirs, entry.Directory)
		clock.Advance(time.Minute)
	}

	entries, err := engine.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, dirs[2], entries[0].Directory)
	assert.Equal(t, dirs[1], entries[1].Directory)
	assert.NoDirExists(t, dirs[0])
}

func TestEngine_LowDisk(t *testing.T) {
	store := testutil.NewTestStore(t)
	engine := newTestEngine(t, store, testutil.FixedClock())
	free := uint64(1)
	engine.opts.FakeFreeBytes = &free

	_, err := engine.Create(context.Background())
	assert.True(t, ark.IsCode(err, ark.CodeBackupLowDisk), "got %v", err)

	entries, err := engine.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_Overview(t *testing.T) {
	store := testutil.NewTestStore(t)
	engine := newTestEngine(t, store, testutil.FixedClock())
	_, err := engine.Create(context.Background())
	require.NoError(t, err)

	ov, err := engine.Overview(context.Background())
	require.NoError(t, err)
	assert.Positive(t, ov.DBSizeBytes)
	assert.Equal(t, RequiredFree(ov.DBSizeBytes), ov.RequiredFreeBytes)
	assert.Equal(t, 5, ov.RetentionMaxCount)
	assert.Len(t, ov.Backups, 1)
}

func TestRequiredFree(t *testing.T) {
	assert.Equal(t, int64(100*1024*1024), RequiredFree(0))
	assert.Equal(t, int64(12), RequiredFree(10))
	assert.Equal(t, int64(14), RequiredFree(11))
}

func TestEngine_Reveal(t *testing.T) {
	store := testutil.NewTestStore(t)
	engine := newTestEngine(t, store, testutil.FixedClock())
	var revealed string
	engine.opts.Reveal = func(p string) error {
		revealed = p
		return nil
	}

	entry, err := engine.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.Reveal(entry.SQLitePath))
	assert.Equal(t, filepath.Base(entry.SQLitePath), filepath.Base(revealed))

	outside := filepath.Join(t.TempDir(), "other.sqlite3")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	err = engine.Reveal(outside)
	assert.True(t, ark.IsCode(err, ark.CodeBackupInvalidPath), "got %v", err)
}
