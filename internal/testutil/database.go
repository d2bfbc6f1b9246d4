package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"arklowdun/internal/config"
	"arklowdun/internal/database"
	"arklowdun/internal/database/migrations"
)

// NewTestConfig returns a default Config rooted in a fresh temp directory.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return config.NewConfig(t.TempDir())
}

// NewTestStore opens a migrated store in a temp directory using a fixed
// clock and sequential IDs. The store is closed when the test completes.
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()
	return NewTestStoreAt(t, filepath.Join(t.TempDir(), "arklowdun.sqlite3"))
}

// NewTestStoreAt is NewTestStore for an explicit database path.
func NewTestStoreAt(t *testing.T, path string) *database.Store {
	t.Helper()

	sqlDB, err := database.OpenConnection(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := migrations.MigrateUp(sqlDB); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	store := database.NewStore(sqlDB, path, FixedClock(), NewStubIDGenerator(), nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedHousehold inserts a household with the given id and zone.
func SeedHousehold(t *testing.T, store *database.Store, id, tz string) {
	t.Helper()
	row := database.Row{"id": id, "name": "Household " + id}
	if tz != "" {
		row["tz"] = tz
	}
	if _, err := store.Create(context.Background(), "household", row); err != nil {
		t.Fatalf("failed to seed household %s: %v", id, err)
	}
}

// MustCreate inserts row into table or fails the test.
func MustCreate(t *testing.T, store *database.Store, table string, row database.Row) database.Row {
	t.Helper()
	out, err := store.Create(context.Background(), table, row)
	if err != nil {
		t.Fatalf("failed to create %s row: %v", table, err)
	}
	return out
}
