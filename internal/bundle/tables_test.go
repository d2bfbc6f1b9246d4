package bundle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"id":            "id",
		"householdId":   "household_id",
		"startAtUTC":    "start_at_utc",
		"updatedAtUTC":  "updated_at_utc",
		"HTTPServer":    "http_server",
		"relative_path": "relative_path",
	} {
		assert.Equal(t, want, snakeCase(in), in)
	}
}

func TestCanonicalize(t *testing.T) {
	events, ok := LookupTable("events")
	require.True(t, ok)

	row, err := events.Canonicalize(map[string]any{
		"id": "e1", "householdId": "hh1", "title": "Bins", "startAtUTC": json.Number("5"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id": "e1", "household_id": "hh1", "title": "Bins", "start_at_utc": json.Number("5"),
	}, row)

	_, err = events.Canonicalize(map[string]any{
		"id": "e1", "household_id": "hh1", "householdId": "hh1", "title": "Bins",
	})
	assert.NoError(t, err, "agreeing spellings are accepted")

	_, err = events.Canonicalize(map[string]any{
		"id": "e1", "household_id": "hh1", "householdId": "hh2", "title": "Bins",
	})
	assert.True(t, ark.IsCode(err, ark.CodeRowAliasMismatch))

	_, err = events.Canonicalize(map[string]any{"id": "e1", "title": "Bins"})
	assert.True(t, ark.IsCode(err, ark.CodeRowAliasMismatch))
}

func TestLookupTableAndOrder(t *testing.T) {
	files, ok := LookupTable("files")
	require.True(t, ok)
	assert.Equal(t, "files_index", files.Physical)
	assert.Equal(t, []string{"household_id", "file_id"}, files.Key)

	_, ok = LookupTable("files_index")
	assert.False(t, ok)

	assert.Less(t, tableRank("households"), tableRank("events"))
	assert.Less(t, tableRank("categories"), tableRank("notes"))
	assert.Less(t, tableRank("vehicles"), tableRank("vehicle_maintenance"))
	assert.Less(t, tableRank("family_members"), tableRank("member_renewals"))
	assert.Len(t, ExportTables(false), 5)
}

func TestUpsertFor(t *testing.T) {
	e := newEnv(t)
	cols, err := database.TableColumns(context.Background(), e.store.X(), "bills")
	require.NoError(t, err)
	bills, _ := LookupTable("bills")

	_, err = upsertFor(bills, cols, map[string]any{"id": "b1", "household_id": "hh1"}, 3)
	require.Error(t, err)
	assert.True(t, ark.IsCode(err, ark.CodeExecMissingField))

	p, err := upsertFor(bills, cols, map[string]any{
		"id": "b1", "household_id": "hh1", "created_at": 1, "updated_at": 2,
		"amount": nil, "description": nil, "unknown": "x",
	}, 3)
	require.NoError(t, err)
	assert.Contains(t, p.stmt, `INSERT INTO "bills"`)
	assert.Contains(t, p.stmt, `json_extract(?1, '$."description"')`)
	assert.NotContains(t, p.stmt, `"amount"`)
	assert.NotContains(t, p.stmt, `"unknown"`)
	assert.Contains(t, p.stmt, `ON CONFLICT ("id") DO UPDATE SET`)
	assert.NotContains(t, p.stmt, `"id" = excluded."id"`)
}
