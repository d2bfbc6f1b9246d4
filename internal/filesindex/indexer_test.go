package filesindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
	"arklowdun/internal/vault"
)

type fixture struct {
	store *database.Store
	vault *vault.Vault
	ix    *Indexer
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh1", "UTC")
	dir := t.TempDir()
	v, err := vault.New(filepath.Join(dir, "attachments"), dir)
	require.NoError(t, err)
	root, err := v.HouseholdRoot("hh1")
	require.NoError(t, err)
	return &fixture{store: store, vault: v, ix: New(store, v, Options{}), root: root}
}

type recorder struct {
	events []Progress
}

func (r *recorder) Send(p Progress) error {
	r.events = append(r.events, p)
	return nil
}

func indexed(t *testing.T, f *fixture) map[string]Entry {
	t.Helper()
	entries, err := f.ix.Search(context.Background(), "hh1", SearchOptions{})
	require.NoError(t, err)
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.Category+"/"+e.Filename] = e
	}
	return out
}

func TestRebuildFull(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.root, map[string]string{
		"bills/2024/march.pdf": "%PDF-1.4 bill",
		"bills/notes.txt":      "plain text",
		"policies/home.json":   `{"a":1}`,
		"bills/.hidden":        "secret",
		"bills/upload.partial": "half",
		"not_a_category/x.txt": "ignored",
		"misc/build.tmp":       "scratch",
	})
	testutil.WriteFile(t, f.root, ".arkignore", []byte("*.tmp\n"))

	rec := &recorder{}
	summary, err := f.ix.Rebuild(context.Background(), "hh1", ModeFull, rec)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 3, summary.Updated)
	assert.False(t, summary.Cancelled)
	require.NotEmpty(t, rec.events)
	last := rec.events[len(rec.events)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 3, last.Scanned)

	rows := indexed(t, f)
	require.Len(t, rows, 3)
	pdf := rows["bills/2024/march.pdf"]
	assert.Equal(t, FileID("bills", "2024/march.pdf"), pdf.FileID)
	require.NotNil(t, pdf.MIME)
	assert.Equal(t, "application/pdf", *pdf.MIME)
	require.NotNil(t, pdf.SHA256)
	assert.Len(t, *pdf.SHA256, 64)
	assert.Contains(t, rows, "policies/home.json")

	assert.Equal(t, StateIdle, f.ix.State("hh1"))
}

func TestRebuildFreshness(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.root, map[string]string{"bills/a.txt": "a", "bills/b.txt": "b"})

	summary, err := f.ix.Rebuild(context.Background(), "hh1", ModeFull, nil)
	require.NoError(t, err)

	var maxUpdated int64
	require.NoError(t, f.store.X().Get(&maxUpdated, `SELECT MAX(updated_at_utc) FROM files_index WHERE household_id = 'hh1'`))
	assert.GreaterOrEqual(t, summary.LastBuiltAt, maxUpdated)

	status, err := f.ix.Status(context.Background(), "hh1")
	require.NoError(t, err)
	assert.False(t, status.Stale)
	assert.EqualValues(t, 2, status.RowCount)
	assert.EqualValues(t, 2, status.SourceRowCount)
}

func TestStatusNeverBuilt(t *testing.T) {
	f := newFixture(t)
	status, err := f.ix.Status(context.Background(), "hh1")
	require.NoError(t, err)
	assert.True(t, status.Stale)
	assert.Nil(t, status.LastBuiltAt)
}

func TestRebuildIncremental(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.root, map[string]string{
		"bills/keep.txt":   "keep",
		"bills/change.txt": "v1",
		"bills/gone.txt":   "bye",
	})
	ctx := context.Background()
	_, err := f.ix.Rebuild(ctx, "hh1", ModeFull, nil)
	require.NoError(t, err)

	testutil.WriteFile(t, f.root, "bills/change.txt", []byte("version two"))
	require.NoError(t, os.Remove(filepath.Join(f.root, "bills", "gone.txt")))

	summary, err := f.ix.Rebuild(ctx, "hh1", ModeIncremental, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Removed)

	rows := indexed(t, f)
	assert.Len(t, rows, 2)
	assert.NotContains(t, rows, "bills/gone.txt")
	assert.EqualValues(t, len("version two"), *rows["bills/change.txt"].Size)
}

func TestRebuildBusy(t *testing.T) {
	f := newFixture(t)
	_, err := f.ix.begin("hh1")
	require.NoError(t, err)

	_, err = f.ix.Rebuild(context.Background(), "hh1", ModeFull, nil)
	assert.True(t, ark.IsCode(err, ark.CodeIndexBusy))
}

func TestRebuildProgressClosed(t *testing.T) {
	f := newFixture(t)
	testutil.WriteFile(t, f.root, "bills/a.txt", []byte("a"))

	sink := SinkFunc(func(Progress) error { return errors.New("receiver gone") })
	_, err := f.ix.Rebuild(context.Background(), "hh1", ModeFull, sink)
	assert.True(t, ark.IsCode(err, ark.CodeIndexProgressClosed))
	assert.Equal(t, StateError, f.ix.State("hh1"))
}

func TestRebuildCancel(t *testing.T) {
	f := newFixture(t)
	files := make(map[string]string)
	for i := 0; i < 60; i++ {
		files[fmt.Sprintf("bills/f%03d.txt", i)] = fmt.Sprintf("file %d", i)
	}
	testutil.WriteTree(t, f.root, files)
	testutil.WriteFile(t, f.root, "policies/old.txt", []byte("old"))
	ctx := context.Background()
	_, err := f.ix.Rebuild(ctx, "hh1", ModeFull, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.root, "policies", "old.txt")))

	sink := SinkFunc(func(p Progress) error {
		if !p.Done {
			assert.True(t, f.ix.Cancel("hh1"))
			assert.Equal(t, StateCancelling, f.ix.State("hh1"))
		}
		return nil
	})
	summary, err := f.ix.Rebuild(ctx, "hh1", ModeFull, sink)
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Less(t, summary.Scanned, 60)
	assert.Zero(t, summary.Removed)
	assert.Contains(t, indexed(t, f), "policies/old.txt")
	assert.Equal(t, StateIdle, f.ix.State("hh1"))
	assert.False(t, f.ix.Cancel("hh1"))
}

func TestRebuildMaxDepth(t *testing.T) {
	f := newFixture(t)
	f.ix = New(f.store, f.vault, Options{MaxDepth: 2})
	testutil.WriteTree(t, f.root, map[string]string{
		"bills/top.txt":      "1",
		"bills/a/mid.txt":    "2",
		"bills/a/b/deep.txt": "3",
	})
	_, err := f.ix.Rebuild(context.Background(), "hh1", ModeFull, nil)
	require.NoError(t, err)

	rows := indexed(t, f)
	assert.Contains(t, rows, "bills/top.txt")
	assert.Contains(t, rows, "bills/a/mid.txt")
	assert.NotContains(t, rows, "bills/a/b/deep.txt")
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.root, map[string]string{
		"bills/Electric_2024.txt": "e",
		"bills/water.txt":         "w",
		"policies/electric.txt":   "p",
	})
	ctx := context.Background()
	_, err := f.ix.Rebuild(ctx, "hh1", ModeFull, nil)
	require.NoError(t, err)

	got, err := f.ix.Search(ctx, "hh1", SearchOptions{Query: "electric"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.ix.Search(ctx, "hh1", SearchOptions{Query: "electric", Category: "bills"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Electric_2024.txt", got[0].Filename)

	got, err = f.ix.Search(ctx, "hh1", SearchOptions{Query: "c_2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDetectMIME(t *testing.T) {
	dir := t.TempDir()
	pdf := testutil.WriteFile(t, dir, "doc.bin", []byte("%PDF-1.7\n"))
	assert.Equal(t, "application/pdf", DetectMIME(pdf))

	byExt := testutil.WriteFile(t, dir, "scan.pdf", []byte{0x00, 0x01, 0x02})
	assert.Equal(t, "application/pdf", DetectMIME(byExt))

	unknown := testutil.WriteFile(t, dir, "blob", []byte{0x00, 0x01, 0x02})
	assert.Equal(t, "application/octet-stream", DetectMIME(unknown))
}
