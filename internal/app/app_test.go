package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/config"
	"arklowdun/internal/database"
	"arklowdun/internal/notes"
	"arklowdun/internal/repair"
	"arklowdun/internal/reports"
	"arklowdun/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *config.Config) {
	t.Helper()
	cfg := testutil.NewTestConfig(t)
	e, err := New(context.Background(), cfg, Options{
		AppVersion: "1.0.0",
		Clock:      testutil.FixedClock(),
		IDs:        testutil.NewStubIDGenerator(),
		Logger:     ark.NewNopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	testutil.SeedHousehold(t, e.Store(), "hh", "Europe/London")
	return e, cfg
}

func text(s string) *string { return &s }

func readReport(t *testing.T, e *Engine, kind reports.Kind) map[string]any {
	t.Helper()
	entries, err := e.ReportsList(kind)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	path := filepath.Join(e.Config().ReportsDir(), string(kind), filepath.FromSlash(entries[0]))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(testutil.ReadFile(t, path), &doc))
	return doc
}

func TestNew(t *testing.T) {
	e, cfg := newTestEngine(t)

	assert.Equal(t, "20240115T103000Z", e.OpID())
	assert.FileExists(t, cfg.DBPath())
	assert.DirExists(t, cfg.VaultRoot())
	status, _ := e.Gate().Health()
	assert.Empty(t, status)
}

func TestNew_opensZapLogger(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	e, err := New(context.Background(), cfg, Options{Clock: testutil.FixedClock()})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.FileExists(t, filepath.Join(cfg.LogDir, logFileName))
}

func TestHealthRun_setsGate(t *testing.T) {
	e, cfg := newTestEngine(t)

	rep, err := e.HealthRun(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Summary())

	status, _ := e.Gate().Health()
	assert.Equal(t, "ok", status)
	assert.FileExists(t, filepath.Join(cfg.LogDir, "health.log"))
}

func TestWritesRunHealthLazily(t *testing.T) {
	e, _ := newTestEngine(t)

	n, err := e.NotesCreate(context.Background(), "hh", notes.Input{Text: text("milk")})
	require.NoError(t, err)
	assert.Equal(t, "milk", n.Text)

	status, _ := e.Gate().Health()
	assert.Equal(t, "ok", status)
}

func TestWritesRefusedWhenUnhealthy(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.Gate().SetHealth("error", "failed: integrity_check")

	_, err := e.NotesCreate(ctx, "hh", notes.Input{Text: text("milk")})
	assert.Equal(t, ark.CodeDBUnhealthy, ark.CodeOf(err))

	err = e.FamilyMemberDelete(ctx, "hh", "m1")
	assert.Equal(t, ark.CodeDBUnhealthy, ark.CodeOf(err))

	// Reads stay available.
	list, err := e.NotesList(ctx, "hh", false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWritesRefusedDuringMaintenance(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	_, err := e.HealthRun(ctx)
	require.NoError(t, err)

	release, err := e.Gate().BeginMaintenance("test")
	require.NoError(t, err)

	_, err = e.NotesCreate(ctx, "hh", notes.Input{Text: text("milk")})
	assert.Equal(t, ark.CodeMaintenance, ark.CodeOf(err))
	_, err = e.RepairRun(ctx, nil)
	assert.Equal(t, ark.CodeMaintenance, ark.CodeOf(err))

	release()
	_, err = e.NotesCreate(ctx, "hh", notes.Input{Text: text("milk")})
	assert.NoError(t, err)
}

func TestBackupCreate_recordsReport(t *testing.T) {
	e, _ := newTestEngine(t)

	entry, err := e.BackupCreate(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, entry.SQLitePath)

	doc := readReport(t, e, reports.KindBackup)
	assert.Equal(t, "success", doc["status"])
	assert.Equal(t, "20240115T103000Z", doc["op_id"])
	details := doc["details"].(map[string]any)
	assert.Equal(t, entry.Directory, details["backup_path"])
	assert.EqualValues(t, entry.TotalSizeBytes, details["size_bytes"])
}

func TestBackupCreate_failureRecordsReport(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	free := uint64(1)
	cfg.FakeFreeBytes = &free
	e, err := New(context.Background(), cfg, Options{Clock: testutil.FixedClock(), Logger: ark.NewNopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	_, err = e.BackupCreate(context.Background())
	assert.Equal(t, ark.CodeBackupLowDisk, ark.CodeOf(err))

	doc := readReport(t, e, reports.KindBackup)
	assert.Equal(t, "failed", doc["status"])
	errs := doc["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, ark.CodeBackupLowDisk, errs[0].(map[string]any)["code"])
}

func TestRepairRun_reopensStore(t *testing.T) {
	ctx := context.Background()
	e, cfg := newTestEngine(t)
	n, err := e.NotesCreate(ctx, "hh", notes.Input{Text: text("keep me")})
	require.NoError(t, err)
	before := e.Store()

	sum, err := e.RepairRun(ctx, nil)
	require.NoError(t, err)
	assert.True(t, sum.Success)
	assert.FileExists(t, sum.ArchivedDBPath)
	assert.False(t, e.Gate().InMaintenance())

	after := e.Store()
	require.NotNil(t, after)
	assert.NotSame(t, before, after)
	assert.Equal(t, cfg.DBPath(), after.Path())

	got, err := e.NotesGet(ctx, "hh", n.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", got.Text)

	doc := readReport(t, e, reports.KindRepair)
	details := doc["details"].(map[string]any)
	assert.Equal(t, true, details["success"])
	assert.Len(t, details["steps"], len(repair.Steps))
}

func TestExportCreate_recordsReport(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	_, err := e.NotesCreate(ctx, "hh", notes.Input{Text: text("exported")})
	require.NoError(t, err)

	res, err := e.ExportCreate(ctx, t.TempDir())
	require.NoError(t, err)
	assert.DirExists(t, res.Directory)

	doc := readReport(t, e, reports.KindExport)
	details := doc["details"].(map[string]any)
	assert.Equal(t, res.Directory, details["export_path"])
	assert.EqualValues(t, 1, details["tables"].(map[string]any)["notes"])
}

func TestImportApply_rejectsUnknownMode(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ImportApply(context.Background(), t.TempDir(), "overwrite", nil)
	assert.Equal(t, ark.CodeInvalidInput, ark.CodeOf(err))

	entries, err := e.ReportsList(reports.KindImport)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFilesIndexRebuild_rejectsUnknownMode(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.FilesIndexRebuild(context.Background(), "hh", "partial", nil)
	assert.Equal(t, ark.CodeInvalidInput, ark.CodeOf(err))
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.NewTestConfig(t)
	require.NoError(t, os.MkdirAll(cfg.AppDataDir, 0o755))
	store, err := database.OpenMigrated(cfg.DBPath())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	res, err := Backfill(ctx, cfg, "", false, ark.NewNopLogger())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}
