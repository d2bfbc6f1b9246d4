package reports

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/testutil"
)

var started = time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)

func newWriter(t *testing.T, retention int) *Writer {
	t.Helper()
	return NewWriter(Options{
		Root:       t.TempDir(),
		Retention:  retention,
		AppVersion: "1.4.0",
		SchemaVersion: func(context.Context) (string, error) {
			return "20241001000000", nil
		},
		Clock: testutil.FixedClock(),
	})
}

func backupInput() Input {
	return Input{
		Kind:       KindBackup,
		OpID:       "op-1",
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Status:     StatusSuccess,
		Details:    map[string]any{"backup_path": "/b/20250309-140507", "size_bytes": 4096},
	}
}

func readDoc(t *testing.T, path string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(testutil.ReadFile(t, path), &doc))
	return doc
}

func TestPersist(t *testing.T) {
	w := newWriter(t, 0)
	path, err := w.Persist(context.Background(), backupInput())
	require.NoError(t, err)

	rel, err := filepath.Rel(w.Root(), path)
	require.NoError(t, err)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	require.Len(t, parts, 4)
	assert.Equal(t, []string{"backup", "2025", "03"}, parts[:3])
	assert.Regexp(t, `^backup-20250309-140507-[0-9a-f]{8}\.json$`, parts[3])

	doc := readDoc(t, path)
	assert.EqualValues(t, 1, doc["report_version"])
	assert.Equal(t, SchemaSHA256, doc["schema_sha256"])
	assert.Len(t, SchemaSHA256, 64)
	assert.Equal(t, "op-1", doc["op_id"])
	assert.Equal(t, "backup", doc["operation"])
	assert.EqualValues(t, 1500, doc["elapsed_ms"])
	assert.Equal(t, "1.4.0", doc["app_version"])
	assert.Equal(t, "20241001000000", doc["schema_version"])
	assert.Equal(t, "2025-03-09T14:05:07Z", doc["started_at"])
	assert.NotEmpty(t, doc["host_tz"])
	assert.NotContains(t, doc, "correlation_id")
	assert.Equal(t, []any{}, doc["errors"])
	assert.True(t, strings.HasSuffix(parts[3], "-"+strings.ReplaceAll(doc["id"].(string), "-", "")[:8]+".json"))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestPersistValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		code   string
	}{
		{"finished before started", func(in *Input) { in.FinishedAt = started.Add(-time.Second) }, ark.CodeReportTimestamps},
		{"details not an object", func(in *Input) { in.Details = []string{"a"} }, ark.CodeReportDetailsType},
		{"details nil", func(in *Input) { in.Details = nil }, ark.CodeReportDetailsType},
		{"missing key", func(in *Input) { in.Details = map[string]any{"backup_path": "x"} }, ark.CodeReportMissingDetail},
		{"denylisted top level", func(in *Input) {
			in.Details = map[string]any{"backup_path": "x", "size_bytes": 1, "Email": "a@b"}
		}, ark.CodeReportDenylistedKey},
		{"denylisted nested", func(in *Input) {
			in.Details = map[string]any{"backup_path": "x", "size_bytes": 1, "user": map[string]any{"token": "t"}}
		}, ark.CodeReportDenylistedKey},
		{"denylisted in array item", func(in *Input) {
			in.Details = map[string]any{"backup_path": "x", "size_bytes": 1, "notes": []any{map[string]any{"note_body": "x"}}}
		}, ark.CodeReportDenylistedKey},
		{"success with errors", func(in *Input) { in.Errors = []ErrorItem{{Code: "X", Message: "x"}} }, ark.CodeReportStatusErrors},
		{"failed without errors", func(in *Input) { in.Status = StatusFailed }, ark.CodeReportStatusErrors},
		{"unknown status", func(in *Input) { in.Status = "done" }, ark.CodeReportStatusErrors},
		{"unknown kind", func(in *Input) { in.Kind = "reindex" }, ark.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWriter(t, 0)
			in := backupInput()
			tt.mutate(&in)
			_, err := w.Persist(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, tt.code, ark.CodeOf(err))

			entries, err := w.List(KindBackup)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestPersistDeeplyNestedDenylistedKeyIsAllowed(t *testing.T) {
	w := newWriter(t, 0)
	in := backupInput()
	in.Details = map[string]any{
		"backup_path": "x", "size_bytes": 1,
		"meta": map[string]any{"inner": map[string]any{"token": "not inspected"}},
	}
	_, err := w.Persist(context.Background(), in)
	assert.NoError(t, err)
}

func TestPersistPartialAndFailed(t *testing.T) {
	w := newWriter(t, 0)
	in := backupInput()
	in.Status = StatusPartial
	_, err := w.Persist(context.Background(), in)
	require.NoError(t, err)

	in.Status = StatusFailed
	in.Errors = []ErrorItem{ErrorItemFrom(ark.New(ark.CodeBackupLowDisk, "need ~12 MB").With("required_bytes", "12582912"))}
	in.CorrelationID = "corr-9"
	path, err := w.Persist(context.Background(), in)
	require.NoError(t, err)

	doc := readDoc(t, path)
	assert.Equal(t, "corr-9", doc["correlation_id"])
	errs := doc["errors"].([]any)
	require.Len(t, errs, 1)
	item := errs[0].(map[string]any)
	assert.Equal(t, ark.CodeBackupLowDisk, item["code"])
	assert.Equal(t, "need ~12 MB", item["message"])
	assert.Equal(t, map[string]any{"required_bytes": "12582912"}, item["context"])
}

func TestPersistTruncatesLargeArrays(t *testing.T) {
	w := newWriter(t, 0)
	items := make([]string, 160)
	for i := range items {
		items[i] = strings.Repeat("x", 1024)
	}
	in := backupInput()
	in.Details = map[string]any{"backup_path": "x", "size_bytes": 1, "items": items}

	path, err := w.Persist(context.Background(), in)
	require.NoError(t, err)

	data := testutil.ReadFile(t, path)
	assert.LessOrEqual(t, len(data), MaxBytes)
	doc := readDoc(t, path)
	details := doc["details"].(map[string]any)
	assert.Len(t, details["items"], 100)

	errs := doc["errors"].([]any)
	require.Len(t, errs, 1)
	item := errs[0].(map[string]any)
	assert.Equal(t, ark.CodeReportTruncated, item["code"])
	ctx := item["context"].(map[string]any)
	assert.EqualValues(t, 60, ctx["dropped_elements"])
	assert.EqualValues(t, MaxArrayItems, ctx["max_array_items"])
	assert.EqualValues(t, MaxBytes, ctx["max_bytes"])
}

func TestPersistFallsBackToCompact(t *testing.T) {
	w := newWriter(t, 0)
	rows := make([][]int, 100)
	for i := range rows {
		rows[i] = make([]int, 100)
		for j := range rows[i] {
			rows[i][j] = 12345
		}
	}
	in := backupInput()
	in.Details = map[string]any{"backup_path": "x", "size_bytes": 1, "rows": rows}

	path, err := w.Persist(context.Background(), in)
	require.NoError(t, err)
	data := string(testutil.ReadFile(t, path))
	assert.NotContains(t, data, "\n  ")
	assert.Contains(t, data, ark.CodeReportTruncated)
}

func TestPersistSizeLimit(t *testing.T) {
	w := newWriter(t, 0)
	in := backupInput()
	in.Details = map[string]any{"backup_path": "x", "size_bytes": 1, "blob": strings.Repeat("y", MaxBytes)}

	_, err := w.Persist(context.Background(), in)
	assert.Equal(t, ark.CodeReportSizeLimit, ark.CodeOf(err))
	entries, err := w.List(KindBackup)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t, 3)

	var paths []string
	for i := 0; i < 5; i++ {
		in := backupInput()
		// Cross a month boundary so ordering spans directories.
		in.StartedAt = time.Date(2025, 1, 31, 23, 59, 58, 0, time.UTC).Add(time.Duration(i) * time.Second)
		in.FinishedAt = in.StartedAt
		p, err := w.Persist(ctx, in)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	in := backupInput()
	in.Kind = KindExport
	in.Details = map[string]any{"export_path": "x", "tables": map[string]int{"events": 1}}
	_, err := w.Persist(ctx, in)
	require.NoError(t, err)

	entries, err := w.List(KindBackup)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, strings.HasPrefix(entries[0], "2025/02/"))
	for _, p := range paths[:2] {
		assert.NoFileExists(t, p)
	}
	for _, p := range paths[2:] {
		assert.FileExists(t, p)
	}

	exports, err := w.List(KindExport)
	require.NoError(t, err)
	assert.Len(t, exports, 1)
}

func TestRetentionKeepsLaterReportInSameSecond(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t, 1)

	first, err := w.Persist(ctx, backupInput())
	require.NoError(t, err)
	second, err := w.Persist(ctx, backupInput())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NoFileExists(t, first)
	assert.FileExists(t, second)
	assert.Less(t, filepath.Base(first), filepath.Base(second))

	entries, err := w.List(KindBackup)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(second), filepath.Base(entries[0]))
}

func TestRelPathBumpsOccupiedSuffix(t *testing.T) {
	w := newWriter(t, 0)
	id := "0190f5a2-0000-7000-8000-000000000001"

	rel := w.relPath(KindBackup, started, id)
	assert.Equal(t, filepath.Join("backup", "2025", "03", "backup-20250309-140507-0190f5a2.json"), rel)

	testutil.WriteFile(t, w.Root(), filepath.ToSlash(rel), []byte("{}"))
	assert.Equal(t, filepath.Join("backup", "2025", "03", "backup-20250309-140507-0190f5a3.json"),
		w.relPath(KindBackup, started, id))
}

func TestPersistSchemaVersionFailure(t *testing.T) {
	w := NewWriter(Options{
		Root: t.TempDir(),
		SchemaVersion: func(context.Context) (string, error) {
			return "", errors.New("no such table: schema_migrations")
		},
	})
	_, err := w.Persist(context.Background(), backupInput())
	assert.Equal(t, ark.CodeGenericFail, ark.CodeOf(err))
}

func TestFormatTZ(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York (UTC-05:00)", FormatTZ("America/New_York", time.Date(2025, 1, 10, 12, 0, 0, 0, ny)))
	assert.Equal(t, "America/New_York (UTC-04:00)", FormatTZ("America/New_York", time.Date(2025, 7, 10, 12, 0, 0, 0, ny)))

	kolkata := time.FixedZone("IST", 5*3600+30*60)
	assert.Equal(t, "Asia/Kolkata (UTC+05:30)", FormatTZ("Asia/Kolkata", time.Date(2025, 1, 1, 0, 0, 0, 0, kolkata)))
}

func TestSchemaDigestMatchesEmbeddedFile(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("schema", "ops_report.schema.json"))
	require.NoError(t, err)
	assert.Equal(t, testutil.SHA256Hex(raw), SchemaSHA256)
}
