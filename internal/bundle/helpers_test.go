package bundle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
	"arklowdun/internal/vault"
)

type env struct {
	store *database.Store
	vault *vault.Vault
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := testutil.NewTestStore(t)
	dir := t.TempDir()
	v, err := vault.New(filepath.Join(dir, "attachments"), dir)
	require.NoError(t, err)
	return &env{store: store, vault: v}
}

func plenty() *uint64 {
	n := uint64(1) << 40
	return &n
}

func ms(v int64) *int64 { return &v }

func (e *env) export(t *testing.T) *ExportResult {
	t.Helper()
	res, err := NewExporter(e.store, e.vault, ExportOptions{
		AppVersion:          "1.2.0",
		IncludeDomainTables: true,
		FakeFreeBytes:       plenty(),
		Clock:               testutil.FixedClock(),
	}).Export(context.Background(), t.TempDir())
	require.NoError(t, err)
	return res
}

func (e *env) importer(clear bool) *Importer {
	return NewImporter(e.store, e.vault, ImportOptions{
		MinimumAppVersion:         "1.0.0",
		ClearAttachmentsOnReplace: clear,
		FakeFreeBytes:             plenty(),
	})
}

func (e *env) event(t *testing.T, id string, updatedAt int64) {
	t.Helper()
	testutil.MustCreate(t, e.store, "events", database.Row{"id": id, "household_id": "hh1", "title": "Event " + id})
	e.exec(t, "UPDATE events SET updated_at = ? WHERE id = ?", updatedAt, id)
}

func (e *env) bill(t *testing.T, rel, content string, updatedAt int64) string {
	t.Helper()
	id := testutil.MustCreate(t, e.store, "bills", database.Row{
		"household_id":  "hh1",
		"category":      "bills",
		"relative_path": rel,
	}).String("id")
	e.exec(t, "UPDATE bills SET updated_at = ? WHERE id = ?", updatedAt, id)
	if content != "" {
		testutil.WriteFile(t, e.vault.Root(), "hh1/bills/"+rel, []byte(content))
	}
	return id
}

func (e *env) exec(t *testing.T, query string, binds ...any) {
	t.Helper()
	_, err := e.store.Exec(context.Background(), query, binds...)
	require.NoError(t, err)
}

func (e *env) row(t *testing.T, query string, binds ...any) database.Row {
	t.Helper()
	rows, err := e.store.Query(context.Background(), query, binds...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func (e *env) count(t *testing.T, table string) int64 {
	t.Helper()
	n, _ := e.row(t, "SELECT COUNT(*) AS n FROM "+table).Int("n")
	return n
}
