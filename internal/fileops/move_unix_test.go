//go:build unix

package fileops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"arklowdun/internal/filesindex"
	"arklowdun/internal/testutil"
	"arklowdun/internal/vault"
)

// crossDeviceRename fails any rename out of the source tree with EXDEV.
func crossDeviceRename(sourceDir string) func(string, string) error {
	return func(oldpath, newpath string) error {
		if strings.HasPrefix(oldpath, sourceDir) && !strings.HasPrefix(newpath, sourceDir) {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: unix.EXDEV}
		}
		return os.Rename(oldpath, newpath)
	}
}

func TestMoveCrossDevice(t *testing.T) {
	f := newFixture(t)
	src := testutil.WriteFile(t, f.root, "bills/statement.pdf", []byte("original bytes"))
	id := f.bill(t, "statement.pdf")
	f.indexEntry(t, "bills", "statement.pdf")
	testutil.WriteFile(t, f.root, "policies/statement.pdf", []byte("occupied"))
	f.mgr.rename = crossDeviceRename(filepath.Join(f.root, "bills"))

	res, err := f.mgr.Move(context.Background(), MoveRequest{
		HouseholdID:  "hh1",
		FromCategory: vault.CategoryBills,
		FromRelative: "statement.pdf",
		ToCategory:   vault.CategoryPolicies,
		ToRelative:   "statement.pdf",
		Conflict:     ConflictRename,
	})
	require.NoError(t, err)
	assert.True(t, res.CrossDevice)
	assert.Equal(t, "statement (1).pdf", res.RelativePath)

	assert.NoFileExists(t, src)
	assert.Equal(t, "original bytes", string(testutil.ReadFile(t, filepath.Join(f.root, "policies", "statement (1).pdf"))))

	cat, rel := f.billPath(t, id)
	assert.Equal(t, "policies", cat)
	assert.Equal(t, "statement (1).pdf", rel)

	var fileID string
	require.NoError(t, f.store.X().Get(&fileID,
		`SELECT file_id FROM files_index WHERE household_id = 'hh1' AND category = 'policies' AND filename = 'statement (1).pdf'`))
	assert.Equal(t, filesindex.FileID("policies", "statement (1).pdf"), fileID)
}

func TestMoveCrossDeviceRollback(t *testing.T) {
	f := newFixture(t)
	src := testutil.WriteFile(t, f.root, "bills/a.pdf", []byte("data"))
	f.bill(t, "a.pdf")
	f.mgr.rename = crossDeviceRename(filepath.Join(f.root, "bills"))
	ctx := context.Background()
	_, err := f.store.Exec(ctx, `DROP TABLE files_index`)
	require.NoError(t, err)

	_, err = f.mgr.Move(ctx, MoveRequest{HouseholdID: "hh1", FromCategory: vault.CategoryBills, FromRelative: "a.pdf", ToCategory: vault.CategoryMisc, ToRelative: "a.pdf"})
	require.Error(t, err)

	assert.FileExists(t, src)
	entries, err := os.ReadDir(filepath.Join(f.root, "misc"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
